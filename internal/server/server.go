// Package server is the collection endpoint: it validates posted
// activity batches, stores them and answers with an acknowledgment.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/config"
	"github.com/yourorg/annotrack/internal/store"
	"github.com/yourorg/annotrack/pkg/types"
)

const maxBodyBytes = 32 << 20

// Server wraps the collector API handlers.
type Server struct {
	cfg      config.CollectorConfig
	store    store.ActivityStore
	validate *validator.Validate
	logger   *zap.Logger
	mux      *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, st store.ActivityStore, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &Server{
		cfg:      cfg.Collector,
		store:    st,
		validate: validator.New(),
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	root := strings.TrimRight(s.cfg.APIRoot, "/")
	s.mux.HandleFunc(root+types.LogPath, s.handleLog)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.CORSOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r.Header.Get(types.TokenHeader)) {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	data, err := readBody(w, r)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.decodeEntries(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusOK, types.Ack{})
		return
	}

	ack, err := s.store.SaveActivities(entries)
	if err != nil {
		s.logger.Error("store activities", zap.Error(err), zap.Int("entries", len(entries)))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Debug("stored activities",
		zap.Int("entries", len(entries)),
		zap.Int("sessions", len(ack)))
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) authorized(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if len(s.cfg.Tokens) == 0 {
		return true
	}
	for _, t := range s.cfg.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// decodeEntries parses a JSON array of entries. One invalid entry
// rejects the whole batch.
func (s *Server) decodeEntries(data []byte) ([]types.LogEntry, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid json")
	}
	body := gjson.ParseBytes(data)
	if !body.IsArray() {
		return nil, errors.New("body must be a JSON array")
	}
	items := body.Array()
	entries := make([]types.LogEntry, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("entry %d: not an object", i)
		}
		if seq := item.Get("sequenceId"); seq.Type != gjson.Number || seq.Float() != math.Trunc(seq.Float()) {
			return nil, fmt.Errorf("entry %d: sequenceId must be an integer", i)
		}
		if item.Get("epochms").Type != gjson.Number {
			return nil, fmt.Errorf("entry %d: epochms must be a number", i)
		}
		var e types.LogEntry
		if err := json.Unmarshal([]byte(item.Raw), &e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if err := s.validate.Struct(e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = io.LimitReader(zr, maxBodyBytes)
	}
	return io.ReadAll(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, "+types.TokenHeader)
	if origin != "*" {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}
