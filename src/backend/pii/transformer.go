package pii

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
	"github.com/mreid/piiremover-private/src/backend/pii/store"
)

// Processing modes
const (
	ModeAnonymize  = "anonymize"
	ModeDeidentify = "deidentify"
	ModeReidentify = "reidentify"
)

// placeholderPattern matches de-identification tokens like PERSON_001 or
// EMAIL_ADDRESS_042. The numeric suffix is at least three digits.
var placeholderPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9_]*_\d{3,}\b`)

// Anonymize replaces each span with the generic placeholder <TYPE>. Spans must
// be non-overlapping and sorted by start (the refiner's output). Substitution
// walks the list in descending start order so offsets computed against the
// original text stay valid while the string mutates. Anonymize is stateless:
// it never touches the mapping store.
func Anonymize(text string, spans []detectors.Entity) (string, int) {
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		out = out[:s.StartPos] + "<" + s.Label + ">" + out[s.EndPos:]
	}
	return out, len(spans)
}

// Deidentify replaces each span with a numbered placeholder from the mapping
// store. Identical (value, type) pairs reuse their existing placeholder. A
// failed persist aborts the whole call so the result is never reported as
// saved when it was not.
func Deidentify(ctx context.Context, text string, spans []detectors.Entity, mappings store.Store) (string, int, error) {
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		original := text[s.StartPos:s.EndPos]
		placeholder, err := mappings.GetOrCreate(ctx, original, s.Label)
		if err != nil {
			return "", 0, fmt.Errorf("failed to map %s entity: %w", s.Label, err)
		}
		out = out[:s.StartPos] + placeholder + out[s.EndPos:]
	}
	return out, len(spans), nil
}

// Reidentify restores original values for every placeholder token found in
// the text. Entity detection is bypassed: the input is assumed to be
// previously de-identified text, so the placeholders themselves are the
// entities. Unknown placeholders are left verbatim and excluded from the
// count. The returned count is the number of placeholders actually resolved.
func Reidentify(ctx context.Context, text string, mappings store.Store) (string, int, error) {
	matches := placeholderPattern.FindAllStringIndex(text, -1)

	out := text
	resolved := 0
	var unresolved []string
	for i := len(matches) - 1; i >= 0; i-- {
		start, end := matches[i][0], matches[i][1]
		placeholder := text[start:end]

		original, found, err := mappings.Resolve(ctx, placeholder)
		if err != nil {
			return "", 0, fmt.Errorf("failed to resolve %s: %w", placeholder, err)
		}
		if !found {
			unresolved = append(unresolved, placeholder)
			continue
		}
		out = out[:start] + original + out[end:]
		resolved++
	}

	if len(unresolved) > 0 {
		log.Printf("[Transformer] Warning: %d unresolved placeholder(s) left unchanged: %s",
			len(unresolved), strings.Join(unresolved, ", "))
	}

	return out, resolved, nil
}
