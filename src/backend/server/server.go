package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mreid/piiremover-private/src/backend/config"
	"github.com/mreid/piiremover-private/src/backend/pii"
)

// maxRequestBody caps /process payloads at 1 MiB.
const maxRequestBody = 1 << 20

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	service *pii.Service
	uiFS    fs.FS

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// processRequest is the body of POST /process.
type processRequest struct {
	Text            string   `json:"text"`
	Action          string   `json:"action"`
	Threshold       *float64 `json:"threshold,omitempty"`
	EnabledEntities []string `json:"enabled_entities,omitempty"`
}

// processResponse mirrors processRequest on the way out.
type processResponse struct {
	Result        string `json:"result"`
	EntitiesFound int    `json:"entities_found"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, service *pii.Service, uiFS fs.FS) *Server {
	return &Server{
		config:   cfg,
		service:  service,
		uiFS:     uiFS,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	log.Printf("Starting PII service on port %s", s.config.Server.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/clear_mappings", s.handleClearMappings)
	mux.HandleFunc("/mappings/count", s.handleMappingsCount)

	if s.uiFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.uiFS)))
	}

	readTimeout := time.Duration(s.config.Server.ReadTimeoutSec) * time.Second
	server := &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.rateLimit(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: readTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// rateLimit applies a per-client token bucket. With RateLimit 0 it is a
// pass-through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Server.RateLimit > 0 {
			if !s.limiterFor(clientKey(r)).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(s.config.Server.RateLimit), s.config.Server.RateBurst)
	s.limiters[key] = lim
	return lim
}

// healthCheck provides a simple health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy","service":"PII Remover"}`)); err != nil {
		log.Printf("Failed to write health check response: %v", err)
	}
}

// handleProcess runs one anonymize/deidentify/reidentify request.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := uuid.New().String()[:8]

	var req processRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[Server] [%s] Bad request body: %v", requestID, err)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Action {
	case pii.ModeAnonymize, pii.ModeDeidentify, pii.ModeReidentify:
	default:
		// Unrecognized actions echo the input untouched.
		log.Printf("[Server] [%s] Unknown action %q, echoing input", requestID, req.Action)
		s.writeJSON(w, http.StatusOK, processResponse{Result: req.Text})
		return
	}

	result, err := s.service.Process(r.Context(), req.Text, req.Action, pii.Options{
		Threshold:       req.Threshold,
		EnabledEntities: req.EnabledEntities,
	})
	if err != nil {
		var cfgErr *pii.ConfigError
		if errors.As(err, &cfgErr) {
			log.Printf("[Server] [%s] Rejected request: %v", requestID, err)
			s.writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		log.Printf("[Server] [%s] Processing failed: %v", requestID, err)
		sentry.CaptureException(fmt.Errorf("process request %s: %w", requestID, err))
		s.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	log.Printf("[Server] [%s] action=%s entities_found=%d", requestID, req.Action, result.EntitiesFound)
	s.writeJSON(w, http.StatusOK, processResponse{
		Result:        result.Text,
		EntitiesFound: result.EntitiesFound,
	})
}

// handleClearMappings wipes the durable placeholder table.
func (s *Server) handleClearMappings(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.service.ClearMappings(r.Context()); err != nil {
		log.Printf("[Server] Failed to clear mappings: %v", err)
		sentry.CaptureException(fmt.Errorf("clear mappings: %w", err))
		s.writeError(w, http.StatusInternalServerError, "failed to clear mappings")
		return
	}

	log.Println("[Server] Cleared all mappings")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleMappingsCount reports the number of stored placeholder mappings.
func (s *Server) handleMappingsCount(w http.ResponseWriter, r *http.Request) {
	s.corsHandler(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	count, err := s.service.MappingsCount(r.Context())
	if err != nil {
		log.Printf("[Server] Failed to count mappings: %v", err)
		sentry.CaptureException(fmt.Errorf("count mappings: %w", err))
		s.writeError(w, http.StatusInternalServerError, "failed to count mappings")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// corsHandler adds CORS headers to the response
func (s *Server) corsHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "false")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
