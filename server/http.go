// Package server provides the HTTP API in front of the key service:
// health/metrics/stats endpoints plus a small JSON API for
// init_db/open_db/encrypt/decrypt, guarded by an optional bearer token.
package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Sebastian464/couchdb/cache"
	"github.com/Sebastian464/couchdb/keymanager"
	"github.com/Sebastian464/couchdb/keyservice"
	"github.com/Sebastian464/couchdb/telemetry"
	"github.com/google/uuid"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8443").
	Address string

	// AuthToken, if set, requires "Authorization: Bearer <token>" on every
	// request except /health and /metrics.
	AuthToken string

	Logger *slog.Logger
}

// Server is the HTTP API in front of a keyservice.Kms.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	kms     *keyservice.Kms
	cache   *cache.Cache
	metrics *telemetry.Metrics
}

// New creates a new server bound to an already-constructed key service and
// its cache. cache is used for stats reporting only; the server does not
// own its lifecycle.
func New(cfg Config, kms *keyservice.Kms, c *cache.Cache, metrics *telemetry.Metrics) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8443"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		kms:     kms,
		cache:   c,
		metrics: metrics,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.authMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	if handler := s.metrics.PrometheusHandler(); handler != nil {
		mux.Handle("GET /metrics", handler)
	}

	mux.HandleFunc("POST /v1/db/{uuid}/init", s.handleInitDB)
	mux.HandleFunc("POST /v1/db/{uuid}/open", s.handleOpenDB)
	mux.HandleFunc("POST /v1/db/{uuid}/encrypt", s.handleEncrypt)
	mux.HandleFunc("POST /v1/db/{uuid}/decrypt", s.handleDecrypt)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.cache.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries":      stats.Entries,
		"next_counter": stats.NextCounter,
	})
}

func pathUUID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("uuid"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type initDBRequest struct {
	Options map[string]string `json:"options"`
}

func (s *Server) handleInitDB(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req initDBRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	desc := keymanager.Descriptor{ID: id, Options: req.Options}
	if !s.kms.InitDB(r.Context(), desc, req.Options) {
		writeError(w, http.StatusBadGateway, fmt.Errorf("init_db failed for %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenDB(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	desc := keymanager.Descriptor{ID: id}
	if !s.kms.OpenDB(r.Context(), desc) {
		writeError(w, http.StatusBadGateway, fmt.Errorf("open_db failed for %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type encryptRequest struct {
	LogicalKey   string `json:"logical_key"`
	PlaintextB64 string `json:"plaintext_base64"`
}

type encryptResponse struct {
	CiphertextB64 string `json:"ciphertext_base64"`
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req encryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.PlaintextB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding plaintext_base64: %w", err))
		return
	}

	desc := keymanager.Descriptor{ID: id}
	ciphertext, err := s.kms.Encrypt(r.Context(), desc, req.LogicalKey, plaintext)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(encryptResponse{CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext)})
}

type decryptRequest struct {
	LogicalKey    string `json:"logical_key"`
	CiphertextB64 string `json:"ciphertext_base64"`
}

type decryptResponse struct {
	PlaintextB64 string `json:"plaintext_base64"`
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding ciphertext_base64: %w", err))
		return
	}

	desc := keymanager.Descriptor{ID: id}
	plaintext, err := s.kms.Decrypt(r.Context(), desc, req.LogicalKey, ciphertext)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decryptResponse{PlaintextB64: base64.StdEncoding.EncodeToString(plaintext)})
}

// loggingMiddleware logs HTTP requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration", time.Since(start).String(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for streaming
// support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
