package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mreid/piiremover-private/src/backend/config"
	"github.com/mreid/piiremover-private/src/backend/pii"
	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
	"github.com/mreid/piiremover-private/src/backend/pii/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	mappings, err := store.NewFileStore(filepath.Join(cfg.DataDir, "pii_mappings.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	refiner, err := pii.NewRefiner(pii.RefinerConfig{Threshold: cfg.DefaultThreshold})
	if err != nil {
		t.Fatalf("NewRefiner failed: %v", err)
	}

	service := pii.NewService(
		pii.StaticProvider{Detector: detectors.NewRegexDetector()},
		refiner, mappings, cfg.Language)
	t.Cleanup(func() {
		if err := service.Close(); err != nil {
			t.Logf("close failed: %v", err)
		}
	})

	return NewServer(cfg, service, nil)
}

func postProcess(t *testing.T, s *Server, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handleProcess(rec, req)
	return rec
}

func decodeProcess(t *testing.T, rec *httptest.ResponseRecorder) processResponse {
	t.Helper()
	var resp processResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.healthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestProcess_Anonymize(t *testing.T) {
	s := newTestServer(t)

	rec := postProcess(t, s, map[string]interface{}{
		"text":   "reach me at john@example.com",
		"action": "anonymize",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeProcess(t, rec)
	if resp.Result != "reach me at <EMAIL_ADDRESS>" {
		t.Errorf("Unexpected result %q", resp.Result)
	}
	if resp.EntitiesFound != 1 {
		t.Errorf("Expected 1 entity, got %d", resp.EntitiesFound)
	}
}

func TestProcess_DeidentifyThenReidentify(t *testing.T) {
	s := newTestServer(t)

	deid := decodeProcess(t, postProcess(t, s, map[string]interface{}{
		"text":   "reach me at john@example.com",
		"action": "deidentify",
	}))
	if deid.Result != "reach me at EMAIL_ADDRESS_001" {
		t.Fatalf("Unexpected de-identified result %q", deid.Result)
	}

	reid := decodeProcess(t, postProcess(t, s, map[string]interface{}{
		"text":   deid.Result,
		"action": "reidentify",
	}))
	if reid.Result != "reach me at john@example.com" {
		t.Errorf("Round trip mismatch: %q", reid.Result)
	}
}

func TestProcess_UnknownActionEchoesInput(t *testing.T) {
	s := newTestServer(t)

	rec := postProcess(t, s, map[string]interface{}{
		"text":   "leave this alone",
		"action": "redact",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	resp := decodeProcess(t, rec)
	if resp.Result != "leave this alone" || resp.EntitiesFound != 0 {
		t.Errorf("Expected echoed input with count 0, got %+v", resp)
	}
}

func TestProcess_BadThresholdIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	rec := postProcess(t, s, map[string]interface{}{
		"text":      "hello john@example.com",
		"action":    "anonymize",
		"threshold": 3.5,
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range threshold, got %d", rec.Code)
	}
}

func TestProcess_InvalidJSONIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	s.handleProcess(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", rec.Code)
	}
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/process", nil)
	rec := httptest.NewRecorder()
	s.handleProcess(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestClearMappingsAndCount(t *testing.T) {
	s := newTestServer(t)

	postProcess(t, s, map[string]interface{}{
		"text":   "reach me at john@example.com",
		"action": "deidentify",
	})

	countReq := httptest.NewRequest(http.MethodGet, "/mappings/count", nil)
	countRec := httptest.NewRecorder()
	s.handleMappingsCount(countRec, countReq)
	if countRec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", countRec.Code)
	}
	var count map[string]int
	if err := json.NewDecoder(countRec.Body).Decode(&count); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if count["count"] != 1 {
		t.Errorf("Expected 1 mapping, got %d", count["count"])
	}

	clearReq := httptest.NewRequest(http.MethodPost, "/clear_mappings", nil)
	clearRec := httptest.NewRecorder()
	s.handleClearMappings(clearRec, clearReq)
	if clearRec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", clearRec.Code)
	}

	countRec = httptest.NewRecorder()
	s.handleMappingsCount(countRec, countReq)
	count = map[string]int{}
	if err := json.NewDecoder(countRec.Body).Decode(&count); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if count["count"] != 0 {
		t.Errorf("Expected empty table after clear, got %d", count["count"])
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.config.Server.RateLimit = 1
	s.config.Server.RateBurst = 1

	handler := s.rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:12345"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for burst overflow, got %d", second.Code)
	}

	// A different client has its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.RemoteAddr = "10.0.0.2:12345"
	third := httptest.NewRecorder()
	handler.ServeHTTP(third, other)
	if third.Code != http.StatusOK {
		t.Errorf("Expected independent limit per client, got %d", third.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/process", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.handleProcess(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected origin echoed back, got %q", got)
	}
}
