package pii

import (
	"log"
	"sort"
	"unicode/utf8"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
)

// DefaultPersonMergeGap is the widest gap, in bytes, bridged when merging
// adjacent PERSON spans. Three bytes covers ", " plus slack, which is what
// "Lastname, Firstname" splits into when the recognizer reports the two
// halves separately.
const DefaultPersonMergeGap = 3

// validateSpans drops spans whose offsets are inverted, out of bounds, or not
// on rune boundaries. Each rejection is logged; one bad detection must not
// fail the whole request.
func validateSpans(text string, spans []detectors.Entity) []detectors.Entity {
	valid := make([]detectors.Entity, 0, len(spans))
	for _, s := range spans {
		if err := checkSpan(text, s); err != nil {
			log.Printf("[Resolver] Warning: dropping span: %v", err)
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

func checkSpan(text string, s detectors.Entity) error {
	switch {
	case s.StartPos < 0 || s.EndPos > len(text):
		return &SpanError{Label: s.Label, Start: s.StartPos, End: s.EndPos, Reason: "offsets out of bounds"}
	case s.StartPos >= s.EndPos:
		return &SpanError{Label: s.Label, Start: s.StartPos, End: s.EndPos, Reason: "empty or inverted range"}
	case !isValidUTF8Boundary(text, s.StartPos) || !isValidUTF8Boundary(text, s.EndPos):
		return &SpanError{Label: s.Label, Start: s.StartPos, End: s.EndPos, Reason: "offset splits a UTF-8 sequence"}
	}
	return nil
}

// isValidUTF8Boundary reports whether pos is a rune boundary in s.
func isValidUTF8Boundary(s string, pos int) bool {
	if pos < 0 || pos > len(s) {
		return false
	}
	if pos == 0 || pos == len(s) {
		return true
	}
	return utf8.RuneStart(s[pos])
}

// mergeAdjacentPersons collapses PERSON spans that overlap or sit at most
// gap bytes apart (whitespace with at most one comma) into a single PERSON
// span covering the whole chain. This is what turns a split "Lastname,
// Firstname" or a multi-token name back into one entity. Overlapping PERSON
// candidates join the chain rather than being left for the sweep, so a name
// absorbed into the chain can never be discarded with it. Runs before the
// overlap sweep and only touches PERSON spans.
func mergeAdjacentPersons(text string, spans []detectors.Entity, gap int) []detectors.Entity {
	if len(spans) == 0 {
		return spans
	}

	sorted := make([]detectors.Entity, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartPos < sorted[j].StartPos })

	merged := make([]detectors.Entity, 0, len(sorted))
	skip := make(map[int]bool)

	for i, span := range sorted {
		if skip[i] {
			continue
		}
		if span.Label != detectors.LabelPerson {
			merged = append(merged, span)
			continue
		}

		cur := span
		for j := i + 1; j < len(sorted); j++ {
			next := sorted[j]
			if next.Label != detectors.LabelPerson {
				break
			}
			if next.StartPos < cur.EndPos {
				// Overlapping PERSON candidate joins the chain.
				if next.EndPos > cur.EndPos {
					cur.EndPos = next.EndPos
				}
				if next.Confidence > cur.Confidence {
					cur.Confidence = next.Confidence
				}
				skip[j] = true
				continue
			}
			if next.StartPos-cur.EndPos > gap || !isNameSeparator(text[cur.EndPos:next.StartPos]) {
				break
			}
			cur.EndPos = next.EndPos
			if next.Confidence > cur.Confidence {
				cur.Confidence = next.Confidence
			}
			skip[j] = true
		}
		cur.Text = text[cur.StartPos:cur.EndPos]
		merged = append(merged, cur)
	}

	return merged
}

// isNameSeparator reports whether the gap between two name halves is
// whitespace containing at most one comma.
func isNameSeparator(gap string) bool {
	commas := 0
	for _, r := range gap {
		switch {
		case r == ',':
			commas++
		case r == ' ' || r == '\t':
		default:
			return false
		}
	}
	return commas <= 1
}

// ResolveOverlaps validates, merges adjacent PERSON spans, then sweeps left
// to right keeping the first span at each position. Candidates are ordered
// by start ascending, length descending, then score descending, so a longer
// span beats a shorter higher-confidence span it contains. The result is
// sorted by start and contains no overlaps.
func ResolveOverlaps(text string, spans []detectors.Entity, mergeGap int) []detectors.Entity {
	if mergeGap <= 0 {
		mergeGap = DefaultPersonMergeGap
	}

	candidates := validateSpans(text, spans)
	candidates = mergeAdjacentPersons(text, candidates, mergeGap)

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.StartPos != b.StartPos {
			return a.StartPos < b.StartPos
		}
		if la, lb := a.EndPos-a.StartPos, b.EndPos-b.StartPos; la != lb {
			return la > lb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Label < b.Label
	})

	result := make([]detectors.Entity, 0, len(candidates))
	lastEnd := -1
	for _, span := range candidates {
		if span.StartPos < lastEnd {
			continue
		}
		span.Text = text[span.StartPos:span.EndPos]
		result = append(result, span)
		lastEnd = span.EndPos
	}

	return result
}

// entityCovered reports whether [start,end) lies inside an existing span with
// the given label. An empty label matches any span.
func entityCovered(spans []detectors.Entity, start, end int, label string) bool {
	for _, s := range spans {
		if label != "" && s.Label != label {
			continue
		}
		if s.StartPos <= start && end <= s.EndPos {
			return true
		}
	}
	return false
}

// entityOverlaps reports whether [start,end) overlaps any existing span.
func entityOverlaps(spans []detectors.Entity, start, end int) bool {
	for _, s := range spans {
		if start < s.EndPos && s.StartPos < end {
			return true
		}
	}
	return false
}
