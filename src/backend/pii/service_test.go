package pii

import (
	"context"
	"errors"
	"testing"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
)

// mockDetector implements detectors.Detector for testing
type mockDetector struct {
	output    detectors.DetectorOutput
	err       error
	lastInput detectors.DetectorInput
}

func (m *mockDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	m.lastInput = input
	return m.output, m.err
}

func (m *mockDetector) GetName() string {
	return "mock_detector"
}

func (m *mockDetector) Close() error {
	return nil
}

func newTestService(t *testing.T, detector detectors.Detector) *Service {
	t.Helper()
	refiner := mustRefiner(t, RefinerConfig{Threshold: 0.4})
	return NewService(StaticProvider{Detector: detector}, refiner, tempFileStore(t), "en")
}

func TestProcess_EmptyTextShortCircuits(t *testing.T) {
	detector := &mockDetector{err: errors.New("detector must not be called")}
	service := newTestService(t, detector)

	for _, mode := range []string{ModeAnonymize, ModeDeidentify, ModeReidentify} {
		result, err := service.Process(context.Background(), "", mode, Options{})
		if err != nil {
			t.Errorf("Mode %s: unexpected error %v", mode, err)
		}
		if result.Text != "" || result.EntitiesFound != 0 {
			t.Errorf("Mode %s: expected empty result, got %+v", mode, result)
		}
	}
}

func TestProcess_UnknownModeIsConfigError(t *testing.T) {
	service := newTestService(t, &mockDetector{})

	_, err := service.Process(context.Background(), "some text", "redact", Options{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigError for unknown mode, got %v", err)
	}
}

func TestProcess_Anonymize(t *testing.T) {
	text := "Contact john@example.com today"
	detector := &mockDetector{
		output: detectors.DetectorOutput{
			Text: text,
			Entities: []detectors.Entity{
				{Text: "john@example.com", Label: "EMAIL_ADDRESS", StartPos: 8, EndPos: 24, Confidence: 0.95},
			},
		},
	}
	service := newTestService(t, detector)

	result, err := service.Process(context.Background(), text, ModeAnonymize, Options{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := "Contact <EMAIL_ADDRESS> today"
	if result.Text != want {
		t.Errorf("Expected %q, got %q", want, result.Text)
	}
	if result.EntitiesFound != 1 {
		t.Errorf("Expected 1 entity, got %d", result.EntitiesFound)
	}
}

// TestProcess_AnonymizeIsStateless verifies that anonymize never writes
// mapping entries.
func TestProcess_AnonymizeIsStateless(t *testing.T) {
	text := "Contact john@example.com today"
	detector := &mockDetector{
		output: detectors.DetectorOutput{
			Text: text,
			Entities: []detectors.Entity{
				{Text: "john@example.com", Label: "EMAIL_ADDRESS", StartPos: 8, EndPos: 24, Confidence: 0.95},
			},
		},
	}
	service := newTestService(t, detector)

	if _, err := service.Process(context.Background(), text, ModeAnonymize, Options{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	count, err := service.MappingsCount(context.Background())
	if err != nil {
		t.Fatalf("MappingsCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Anonymize should not create mappings, found %d", count)
	}
}

func TestProcess_DeidentifyThenReidentifyRoundTrip(t *testing.T) {
	text := "John Smith emailed jane@test.org"
	detector := &mockDetector{
		output: detectors.DetectorOutput{
			Text: text,
			Entities: []detectors.Entity{
				{Text: "John Smith", Label: "PERSON", StartPos: 0, EndPos: 10, Confidence: 0.9},
				{Text: "jane@test.org", Label: "EMAIL_ADDRESS", StartPos: 19, EndPos: 32, Confidence: 0.99},
			},
		},
	}
	service := newTestService(t, detector)

	deidentified, err := service.Process(context.Background(), text, ModeDeidentify, Options{})
	if err != nil {
		t.Fatalf("Deidentify failed: %v", err)
	}
	if deidentified.Text == text {
		t.Fatal("Expected text to change during de-identification")
	}
	if deidentified.EntitiesFound != 2 {
		t.Fatalf("Expected 2 entities, got %d", deidentified.EntitiesFound)
	}

	restored, err := service.Process(context.Background(), deidentified.Text, ModeReidentify, Options{})
	if err != nil {
		t.Fatalf("Reidentify failed: %v", err)
	}
	if restored.Text != text {
		t.Errorf("Round trip mismatch:\ngot  %q\nwant %q", restored.Text, text)
	}
}

// TestProcess_DetectorSeesEffectiveThreshold verifies that the detector is
// called with the configured default when the request carries no threshold,
// and with the override when it does. Without this, a detector applying its
// own floor could drop spans the configured threshold should keep.
func TestProcess_DetectorSeesEffectiveThreshold(t *testing.T) {
	detector := &mockDetector{}
	service := newTestService(t, detector) // refiner configured with 0.4

	if _, err := service.Process(context.Background(), "some text", ModeAnonymize, Options{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if detector.lastInput.ScoreThreshold != 0.4 {
		t.Errorf("Expected configured threshold 0.4 passed to detector, got %g", detector.lastInput.ScoreThreshold)
	}

	override := 0.2
	if _, err := service.Process(context.Background(), "some text", ModeAnonymize, Options{Threshold: &override}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if detector.lastInput.ScoreThreshold != 0.2 {
		t.Errorf("Expected request threshold 0.2 passed to detector, got %g", detector.lastInput.ScoreThreshold)
	}
}

func TestProcess_DetectorErrorPropagates(t *testing.T) {
	detector := &mockDetector{err: errors.New("model unavailable")}
	service := newTestService(t, detector)

	_, err := service.Process(context.Background(), "some text", ModeAnonymize, Options{})
	if err == nil {
		t.Fatal("Expected detector error to propagate")
	}
}

func TestClearMappings_ResetsCounters(t *testing.T) {
	text := "John Smith called"
	detector := &mockDetector{
		output: detectors.DetectorOutput{
			Text: text,
			Entities: []detectors.Entity{
				{Text: "John Smith", Label: "PERSON", StartPos: 0, EndPos: 10, Confidence: 0.9},
			},
		},
	}
	service := newTestService(t, detector)
	ctx := context.Background()

	if _, err := service.Process(ctx, text, ModeDeidentify, Options{}); err != nil {
		t.Fatalf("Deidentify failed: %v", err)
	}
	if err := service.ClearMappings(ctx); err != nil {
		t.Fatalf("ClearMappings failed: %v", err)
	}

	count, err := service.MappingsCount(ctx)
	if err != nil {
		t.Fatalf("MappingsCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty table after clear, got %d entries", count)
	}

	// Numbering restarts from 001 after a clear.
	result, err := service.Process(ctx, text, ModeDeidentify, Options{})
	if err != nil {
		t.Fatalf("Deidentify after clear failed: %v", err)
	}
	if result.Text != "PERSON_001 called" {
		t.Errorf("Expected numbering to restart, got %q", result.Text)
	}
}
