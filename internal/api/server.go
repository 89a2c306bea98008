package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/engine"

	"go.uber.org/zap"
)

// Controller is the slice of the engine the control surface drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ClosePosition(ctx context.Context, symbol string) error
	CreatePosition(ctx context.Context, symbol string) error
	Status() engine.Status
	EngineConfig() config.EngineConfig
	UpdateConfig(ctx context.Context, patch config.EnginePatch) (config.EngineConfig, error)
}

type Server struct {
	controller Controller
	log        *zap.Logger
	addr       string
	apiKey     string
}

func NewServer(cfg config.APIConfig, controller Controller, log *zap.Logger) *Server {
	return &Server{
		controller: controller,
		log:        log,
		addr:       cfg.Addr,
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/bot/start", s.handleStart)
	mux.HandleFunc("POST /api/bot/stop", s.handleStop)
	mux.HandleFunc("POST /api/bot/close", s.handleClose)
	mux.HandleFunc("POST /api/bot/create", s.handleCreate)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PATCH /api/config", s.handlePatchConfig)
	mux.HandleFunc("GET /api/coins", s.handleListCoins)
	mux.HandleFunc("POST /api/coins", s.handleAddCoin)
	mux.HandleFunc("DELETE /api/coins/{symbol}", s.handleRemoveCoin)
	return corsMiddleware(s.authMiddleware(mux))
}

// Run serves until the context is canceled, then drains in-flight
// requests for up to five seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("api server listening", zap.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.URL.Path != "/api/health" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Start(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

// handleClose takes an optional body naming the coin to close; with no
// body (or no symbol) the held pair is closed unconditionally.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := s.controller.ClosePosition(r.Context(), symbol); err != nil {
		s.writeError(w, statusForEngineErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return
	}
	if err := s.controller.CreatePosition(r.Context(), symbol); err != nil {
		s.writeError(w, statusForEngineErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.controller.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.EngineConfig())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.EnginePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.controller.UpdateConfig(r.Context(), patch)
	if err != nil {
		s.writeError(w, statusForEngineErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListCoins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"coins": s.controller.EngineConfig().TrackedCoins,
	})
}

func (s *Server) handleAddCoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return
	}
	coins := s.controller.EngineConfig().TrackedCoins
	for _, c := range coins {
		if c == symbol {
			s.writeJSON(w, http.StatusOK, map[string]any{"coins": coins})
			return
		}
	}
	coins = append(coins, symbol)
	updated, err := s.controller.UpdateConfig(r.Context(), config.EnginePatch{TrackedCoins: &coins})
	if err != nil {
		s.writeError(w, statusForEngineErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"coins": updated.TrackedCoins})
}

func (s *Server) handleRemoveCoin(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	coins := s.controller.EngineConfig().TrackedCoins
	next := make([]string, 0, len(coins))
	found := false
	for _, c := range coins {
		if c == symbol {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		s.writeError(w, http.StatusNotFound, errors.New("coin not tracked: "+symbol))
		return
	}
	updated, err := s.controller.UpdateConfig(r.Context(), config.EnginePatch{TrackedCoins: &next})
	if err != nil {
		s.writeError(w, statusForEngineErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"coins": updated.TrackedCoins})
}

func statusForEngineErr(err error) int {
	switch {
	case errors.Is(err, engine.ErrPositionHeld):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, config.ErrInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
