package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
)

// lastFirstPattern matches "Lastname, Firstname". The whole match is injected
// as a single PERSON span.
var lastFirstPattern = regexp.MustCompile(`\b[A-Z][a-z]+,[ \t]+[A-Z][a-z]+\b`)

// Score assigned to injected "Lastname, Firstname" spans. Matches the
// confidence the pattern carried in earlier versions of the tool.
const lastFirstScore = 0.85

// Custom names are operator-supplied, so injected spans carry maximal
// confidence and survive any threshold.
const customNameScore = 1.0

// RefinerConfig holds the operator-level refinement configuration. Threshold
// and EnabledEntities can be overridden per request via Options.
type RefinerConfig struct {
	Threshold       float64
	EnabledEntities []string // empty means all types
	CustomNames     []string
	IgnoreList      []string
	PersonMergeGap  int
}

// Options carries the per-request overrides accepted by Refine.
type Options struct {
	Threshold       *float64 // nil keeps the configured default
	EnabledEntities []string // nil keeps the configured default; empty slice means all
}

// Refiner applies detection heuristics and configuration to raw detector
// spans, producing the non-overlapping ordered list the transformer consumes.
// A Refiner is immutable after construction and safe for concurrent use.
type Refiner struct {
	cfg     RefinerConfig
	enabled map[string]bool
	ignore  map[string]bool
	names   *ahocorasick.Automaton
}

// NewRefiner validates the configuration and compiles the custom-name
// automaton. Custom names are matched case-sensitively in a single
// Aho-Corasick pass over the text.
func NewRefiner(cfg RefinerConfig) (*Refiner, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, &ConfigError{Field: "threshold", Reason: fmt.Sprintf("%v is outside [0,1]", cfg.Threshold)}
	}
	if cfg.PersonMergeGap == 0 {
		cfg.PersonMergeGap = DefaultPersonMergeGap
	}

	r := &Refiner{
		cfg:     cfg,
		enabled: toSet(cfg.EnabledEntities, false),
		ignore:  toSet(cfg.IgnoreList, true),
	}

	if len(cfg.CustomNames) > 0 {
		names := dedupe(cfg.CustomNames)
		ac, err := ahocorasick.NewBuilder().
			AddStrings(names).
			SetMatchKind(ahocorasick.LeftmostLongest).
			SetPrefilter(true).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to compile custom names: %w", err)
		}
		r.names = ac
	}

	return r, nil
}

// DefaultThreshold returns the configured score threshold applied when a
// request carries none.
func (r *Refiner) DefaultThreshold() float64 {
	return r.cfg.Threshold
}

func toSet(items []string, fold bool) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if fold {
			item = strings.ToLower(item)
		}
		set[item] = true
	}
	return set
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Refine filters and augments raw detector spans:
//
//  1. drop spans below the score threshold
//  2. drop spans of disabled entity types
//  3. drop spans whose matched text is on the ignore list (case-insensitive)
//  4. inject custom-name occurrences as PERSON spans
//  5. inject "Lastname, Firstname" pattern matches as PERSON spans
//  6. resolve overlaps
//
// The result is deterministic for a given (text, spans, configuration) tuple.
func (r *Refiner) Refine(text string, spans []detectors.Entity, opts Options) ([]detectors.Entity, error) {
	threshold := r.cfg.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, &ConfigError{Field: "threshold", Reason: fmt.Sprintf("%v is outside [0,1]", threshold)}
	}

	enabled := r.enabled
	if opts.EnabledEntities != nil {
		enabled = toSet(opts.EnabledEntities, false)
	}

	kept := make([]detectors.Entity, 0, len(spans))
	for _, s := range spans {
		if s.Confidence < threshold {
			continue
		}
		if enabled != nil && !enabled[s.Label] {
			continue
		}
		if r.isIgnored(text, s) {
			continue
		}
		kept = append(kept, s)
	}

	kept = append(kept, r.customNameSpans(text, kept)...)
	kept = append(kept, lastFirstSpans(text, kept)...)

	return ResolveOverlaps(text, kept, r.cfg.PersonMergeGap), nil
}

func (r *Refiner) isIgnored(text string, s detectors.Entity) bool {
	if r.ignore == nil {
		return false
	}
	if s.StartPos < 0 || s.EndPos > len(text) || s.StartPos >= s.EndPos {
		return false // malformed, validation drops it later
	}
	return r.ignore[strings.ToLower(text[s.StartPos:s.EndPos])]
}

// customNameSpans scans the text for occurrences of the custom names not
// already covered by an existing span and returns them as PERSON spans.
// Matching is case-sensitive and word-boundary anchored.
func (r *Refiner) customNameSpans(text string, existing []detectors.Entity) []detectors.Entity {
	if r.names == nil {
		return nil
	}

	var injected []detectors.Entity
	for _, m := range r.names.FindAllOverlapping([]byte(text)) {
		if !onWordBoundary(text, m.Start, m.End) {
			continue
		}
		if entityOverlaps(existing, m.Start, m.End) {
			continue
		}
		injected = append(injected, detectors.Entity{
			Text:       text[m.Start:m.End],
			Label:      detectors.LabelPerson,
			StartPos:   m.Start,
			EndPos:     m.End,
			Confidence: customNameScore,
		})
	}
	return injected
}

// lastFirstSpans injects "Lastname, Firstname" matches not already covered by
// a PERSON span.
func lastFirstSpans(text string, existing []detectors.Entity) []detectors.Entity {
	var injected []detectors.Entity
	for _, m := range lastFirstPattern.FindAllStringIndex(text, -1) {
		if entityCovered(existing, m[0], m[1], detectors.LabelPerson) {
			continue
		}
		injected = append(injected, detectors.Entity{
			Text:       text[m[0]:m[1]],
			Label:      detectors.LabelPerson,
			StartPos:   m[0],
			EndPos:     m[1],
			Confidence: lastFirstScore,
		})
	}
	return injected
}

// onWordBoundary reports whether [start,end) is delimited by non-word runes
// on both sides.
func onWordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
