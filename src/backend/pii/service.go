package pii

import (
	"context"
	"fmt"
	"log"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
	"github.com/mreid/piiremover-private/src/backend/pii/store"
)

// DetectorProvider is an interface for getting the current detector.
// This allows the service to always use the latest detector when the
// recognizer backend is swapped at runtime.
type DetectorProvider interface {
	GetDetector() (detectors.Detector, error)
}

// StaticProvider wraps a fixed detector as a DetectorProvider.
type StaticProvider struct {
	Detector detectors.Detector
}

func (p StaticProvider) GetDetector() (detectors.Detector, error) {
	if p.Detector == nil {
		return nil, fmt.Errorf("no detector available")
	}
	return p.Detector, nil
}

// ProcessResult is what a processing call returns to the web layer.
type ProcessResult struct {
	Text          string
	EntitiesFound int
}

// Service sequences detection, refinement and transformation for one
// processing call, and owns the mapping store for the process lifetime.
type Service struct {
	detectorProvider DetectorProvider
	refiner          *Refiner
	mappings         store.Store
	language         string
}

// NewService creates the processing service. The mapping store is injected
// so its lifecycle (and backend choice) stays with the caller's composition
// root rather than a package-level singleton.
func NewService(provider DetectorProvider, refiner *Refiner, mappings store.Store, language string) *Service {
	if language == "" {
		language = "en"
	}
	return &Service{
		detectorProvider: provider,
		refiner:          refiner,
		mappings:         mappings,
		language:         language,
	}
}

// Process transforms text according to mode. Empty input short-circuits
// without invoking any stage. Re-identify bypasses detection entirely: the
// placeholders in the input are the entities.
func (s *Service) Process(ctx context.Context, text, mode string, opts Options) (ProcessResult, error) {
	if text == "" {
		return ProcessResult{}, nil
	}

	switch mode {
	case ModeAnonymize, ModeDeidentify:
		// handled below
	case ModeReidentify:
		out, count, err := Reidentify(ctx, text, s.mappings)
		if err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Text: out, EntitiesFound: count}, nil
	default:
		return ProcessResult{}, &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	detector, err := s.detectorProvider.GetDetector()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to get detector: %w", err)
	}

	// The detector sees the same effective threshold the refiner will apply,
	// so it never pre-filters spans the configured threshold would keep.
	threshold := s.refiner.DefaultThreshold()
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	detected, err := detector.Detect(ctx, detectors.DetectorInput{
		Text:           text,
		Language:       s.language,
		ScoreThreshold: threshold,
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("entity detection failed: %w", err)
	}

	refined, err := s.refiner.Refine(text, detected.Entities, opts)
	if err != nil {
		return ProcessResult{}, err
	}

	if mode == ModeAnonymize {
		out, count := Anonymize(text, refined)
		return ProcessResult{Text: out, EntitiesFound: count}, nil
	}

	out, count, err := Deidentify(ctx, text, refined, s.mappings)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Text: out, EntitiesFound: count}, nil
}

// ClearMappings empties the mapping table and resets its counters.
func (s *Service) ClearMappings(ctx context.Context) error {
	if err := s.mappings.Clear(ctx); err != nil {
		return err
	}
	log.Println("[Service] Mappings cleared")
	return nil
}

// MappingsCount returns the number of entries in the mapping table.
func (s *Service) MappingsCount(ctx context.Context) (int, error) {
	return s.mappings.Count(ctx)
}

// Close releases the detector and the mapping store.
func (s *Service) Close() error {
	var firstErr error
	if detector, err := s.detectorProvider.GetDetector(); err == nil {
		if err := detector.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.mappings.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
