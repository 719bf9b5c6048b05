package pii

import (
	"context"
	"net"
	"regexp"
	"sort"
	"strings"
)

// recognizer couples a compiled pattern with the label it produces, the score
// for a bare pattern match, and an optional validator that lifts the score
// when a checksum or parse holds.
type recognizer struct {
	label      string
	re         *regexp.Regexp
	score      float64
	validScore float64
	validate   func(string) bool
}

// RegexDetector implements Detector using pattern recognizers with checksum
// validation for the structured Australian identifier types.
type RegexDetector struct {
	recognizers []recognizer
}

func NewRegexDetector() *RegexDetector {
	return &RegexDetector{recognizers: defaultRecognizers()}
}

func defaultRecognizers() []recognizer {
	return []recognizer{
		{
			label: LabelEmail,
			re:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			score: 1.0,
		},
		{
			label: LabelURL,
			re:    regexp.MustCompile(`\bhttps?://[^\s<>"']+`),
			score: 0.6,
		},
		{
			label:      LabelIPAddress,
			re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			score:      0.1,
			validScore: 0.95,
			validate:   func(s string) bool { return net.ParseIP(s) != nil },
		},
		{
			// Australian formats (04xx xxx xxx, (0x) xxxx xxxx, +61 ...) plus
			// generic international numbers.
			label: LabelPhone,
			re:    regexp.MustCompile(`\+61(?:[ -]?\d){9}\b|\(0\d\)(?:[ -]?\d){8}\b|\b0\d(?:[ -]?\d){8}\b|\+\d{1,3}(?:[ -]?\d){7,12}\b`),
			score: 0.75,
		},
		{
			label:      LabelCreditCard,
			re:         regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
			score:      0.3,
			validScore: 1.0,
			validate:   luhnValid,
		},
		{
			label:      LabelIBAN,
			re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,4})?\b`),
			score:      0.3,
			validScore: 1.0,
			validate:   ibanValid,
		},
		{
			label:      LabelAuTFN,
			re:         regexp.MustCompile(`\b\d{3}[ ]?\d{3}[ ]?\d{3}\b`),
			score:      0.1,
			validScore: 1.0,
			validate:   tfnValid,
		},
		{
			label:      LabelAuABN,
			re:         regexp.MustCompile(`\b\d{2}[ ]?\d{3}[ ]?\d{3}[ ]?\d{3}\b`),
			score:      0.1,
			validScore: 1.0,
			validate:   abnValid,
		},
		{
			label:      LabelAuACN,
			re:         regexp.MustCompile(`\b\d{3}[ ]?\d{3}[ ]?\d{3}\b`),
			score:      0.1,
			validScore: 1.0,
			validate:   acnValid,
		},
		{
			label:      LabelAuMedicare,
			re:         regexp.MustCompile(`\b[2-6]\d{3}[ ]?\d{5}[ ]?\d{1,2}\b`),
			score:      0.1,
			validScore: 1.0,
			validate:   medicareValid,
		},
	}
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect runs every recognizer over the input and returns all matches at or
// above the requested score threshold. Overlapping candidates are returned
// as-is; collapsing them is the refiner's job.
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	var entities []Entity

	for _, rec := range r.recognizers {
		matches := rec.re.FindAllStringIndex(input.Text, -1)
		for _, match := range matches {
			startPos := match[0]
			endPos := match[1]
			matchedText := input.Text[startPos:endPos]

			score := rec.score
			if rec.validate != nil && rec.validate(matchedText) {
				score = rec.validScore
			}
			if score < input.ScoreThreshold {
				continue
			}

			entities = append(entities, Entity{
				Text:       matchedText,
				Label:      rec.label,
				StartPos:   startPos,
				EndPos:     endPos,
				Confidence: score,
			})
		}
	}

	// Stable output order regardless of recognizer iteration.
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].StartPos != entities[j].StartPos {
			return entities[i].StartPos < entities[j].StartPos
		}
		if entities[i].EndPos != entities[j].EndPos {
			return entities[i].EndPos < entities[j].EndPos
		}
		return entities[i].Label < entities[j].Label
	})

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}

// digitsOf strips separators, returning only the digit runes.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid reports whether the digits pass the Luhn check.
func luhnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ibanValid runs the ISO 13616 mod-97 check.
func ibanValid(s string) bool {
	iban := strings.ReplaceAll(s, " ", "")
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// tfnValid checks the ATO weighted checksum for 9-digit tax file numbers.
func tfnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 9 {
		return false
	}
	weights := []int{1, 4, 3, 7, 5, 8, 6, 9, 10}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	return sum%11 == 0
}

// abnValid checks the 11-digit Australian Business Number checksum.
func abnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 11 {
		return false
	}
	weights := []int{10, 1, 3, 5, 7, 9, 11, 13, 15, 17, 19}
	sum := (int(digits[0]-'0') - 1) * weights[0]
	for i := 1; i < 11; i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	return sum%89 == 0
}

// acnValid checks the 9-digit Australian Company Number check digit.
func acnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 9 {
		return false
	}
	weights := []int{8, 7, 6, 5, 4, 3, 2, 1}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	check := (10 - sum%10) % 10
	return check == int(digits[8]-'0')
}

// medicareValid checks the Medicare card checksum over the first eight digits.
// The optional trailing IRN digit is not part of the checksum.
func medicareValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 10 || len(digits) > 11 {
		return false
	}
	if digits[0] < '2' || digits[0] > '6' {
		return false
	}
	weights := []int{1, 3, 7, 9, 1, 3, 7, 9}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	return sum%10 == int(digits[8]-'0')
}
