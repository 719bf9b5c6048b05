package pii

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
	"github.com/mreid/piiremover-private/src/backend/pii/store"
)

func tempFileStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "pii_mappings.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

// spanAt builds an entity span from the first occurrence of needle in text.
func spanAt(t *testing.T, text, needle, label string, confidence float64) detectors.Entity {
	t.Helper()
	start := strings.Index(text, needle)
	if start < 0 {
		t.Fatalf("%q not found in %q", needle, text)
	}
	return detectors.Entity{
		Text:       needle,
		Label:      label,
		StartPos:   start,
		EndPos:     start + len(needle),
		Confidence: confidence,
	}
}

func TestAnonymize(t *testing.T) {
	text := "John Smith lives in Sydney. His email is john@example.com"
	spans := []detectors.Entity{
		spanAt(t, text, "John Smith", "PERSON", 0.9),
		spanAt(t, text, "Sydney", "LOCATION", 0.85),
		spanAt(t, text, "john@example.com", "EMAIL_ADDRESS", 0.99),
	}

	result, count := Anonymize(text, spans)

	want := "<PERSON> lives in <LOCATION>. His email is <EMAIL_ADDRESS>"
	if result != want {
		t.Errorf("Anonymize result:\ngot  %q\nwant %q", result, want)
	}
	if count != 3 {
		t.Errorf("Expected count 3, got %d", count)
	}
}

func TestAnonymize_NoSpans(t *testing.T) {
	text := "nothing sensitive here"
	result, count := Anonymize(text, nil)
	if result != text || count != 0 {
		t.Errorf("Expected unchanged text and count 0, got %q / %d", result, count)
	}
}

func TestDeidentify(t *testing.T) {
	ctx := context.Background()
	mappings := tempFileStore(t)

	text := "John Smith lives in Sydney. His email is john@example.com"
	spans := []detectors.Entity{
		spanAt(t, text, "John Smith", "PERSON", 0.9),
		spanAt(t, text, "Sydney", "LOCATION", 0.85),
		spanAt(t, text, "john@example.com", "EMAIL_ADDRESS", 0.99),
	}

	result, count, err := Deidentify(ctx, text, spans, mappings)
	if err != nil {
		t.Fatalf("Deidentify failed: %v", err)
	}

	want := "PERSON_001 lives in LOCATION_001. His email is EMAIL_ADDRESS_001"
	if result != want {
		t.Errorf("Deidentify result:\ngot  %q\nwant %q", result, want)
	}
	if count != 3 {
		t.Errorf("Expected count 3, got %d", count)
	}

	n, err := mappings.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 stored mappings, got %d", n)
	}
}

// TestDeidentify_ReusesPlaceholderForSameValue verifies that a value seen in
// a later request gets its previously assigned placeholder back.
func TestDeidentify_ReusesPlaceholderForSameValue(t *testing.T) {
	ctx := context.Background()
	mappings := tempFileStore(t)

	first := "Contact John Smith"
	out1, _, err := Deidentify(ctx, first, []detectors.Entity{
		spanAt(t, first, "John Smith", "PERSON", 0.9),
	}, mappings)
	if err != nil {
		t.Fatalf("First Deidentify failed: %v", err)
	}

	second := "Ping Mary Jones then John Smith"
	out2, _, err := Deidentify(ctx, second, []detectors.Entity{
		spanAt(t, second, "Mary Jones", "PERSON", 0.9),
		spanAt(t, second, "John Smith", "PERSON", 0.9),
	}, mappings)
	if err != nil {
		t.Fatalf("Second Deidentify failed: %v", err)
	}

	if out1 != "Contact PERSON_001" {
		t.Errorf("Unexpected first result %q", out1)
	}
	if out2 != "Ping PERSON_002 then PERSON_001" {
		t.Errorf("Expected reuse of PERSON_001 for John Smith, got %q", out2)
	}
}

func TestReidentify_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mappings := tempFileStore(t)

	text := "John Smith lives in Sydney. His email is john@example.com"
	spans := []detectors.Entity{
		spanAt(t, text, "John Smith", "PERSON", 0.9),
		spanAt(t, text, "Sydney", "LOCATION", 0.85),
		spanAt(t, text, "john@example.com", "EMAIL_ADDRESS", 0.99),
	}

	deidentified, _, err := Deidentify(ctx, text, spans, mappings)
	if err != nil {
		t.Fatalf("Deidentify failed: %v", err)
	}

	restored, count, err := Reidentify(ctx, deidentified, mappings)
	if err != nil {
		t.Fatalf("Reidentify failed: %v", err)
	}

	if restored != text {
		t.Errorf("Round trip did not restore original:\ngot  %q\nwant %q", restored, text)
	}
	if count != 3 {
		t.Errorf("Expected 3 restored entities, got %d", count)
	}
}

// TestReidentify_UnresolvedPlaceholderLeftVerbatim verifies that unknown
// placeholders are kept as-is and excluded from the count.
func TestReidentify_UnresolvedPlaceholderLeftVerbatim(t *testing.T) {
	ctx := context.Background()
	mappings := tempFileStore(t)

	if _, err := mappings.GetOrCreate(ctx, "John Smith", "PERSON"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	text := "PERSON_001 met PERSON_999 at the office"
	result, count, err := Reidentify(ctx, text, mappings)
	if err != nil {
		t.Fatalf("Reidentify failed: %v", err)
	}

	want := "John Smith met PERSON_999 at the office"
	if result != want {
		t.Errorf("Reidentify result:\ngot  %q\nwant %q", result, want)
	}
	if count != 1 {
		t.Errorf("Expected count 1 (unresolved excluded), got %d", count)
	}
}

// TestReidentify_PlaceholderPattern pins the token shapes the scanner accepts.
func TestReidentify_PlaceholderPattern(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"PERSON_001", true},
		{"EMAIL_ADDRESS_042", true},
		{"AU_TFN_123", true},
		{"PERSON_1234", true},
		{"PERSON_01", false},  // only two digits
		{"person_001", false}, // lowercase
		{"_001", false},
	}

	for _, tt := range tests {
		if got := placeholderPattern.MatchString(tt.token); got != tt.want {
			t.Errorf("placeholderPattern.MatchString(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}
