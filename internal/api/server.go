// Package api serves the bot's HTTP surface: health probe, the payment hook
// that issues activation codes, Prometheus metrics and the websocket chat.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/metrics"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	defaultPaidNote = "paid"
	shutdownTimeout = 5 * time.Second
)

// CodeIssuer is the part of *access.Service the payment hook uses.
type CodeIssuer interface {
	IssueCode(ctx context.Context, note string) (string, error)
	Plan() access.Plan
}

// Config wires a Server. Nil handlers leave their routes unmounted.
type Config struct {
	Addr          string
	PaymentSecret string
	Issuer        CodeIssuer // nil when access control is off
	Metrics       http.Handler
	MetricsPath   string
	WebSocket     http.Handler
	Logger        *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	addr          string
	paymentSecret string
	issuer        CodeIssuer
	logger        *slog.Logger
	mux           *http.ServeMux
}

// IssueCodeRequest is the body of POST /issue_paid_code.
type IssueCodeRequest struct {
	Secret string `json:"secret"`
	Note   string `json:"note,omitempty"`
}

// IssueCodeResponse describes the issued code and the plan it grants.
type IssueCodeResponse struct {
	Code          string `json:"code"`
	LimitRequests int    `json:"limit_requests"`
	DaysValid     int    `json:"days_valid"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		addr:          cfg.Addr,
		paymentSecret: cfg.PaymentSecret,
		issuer:        cfg.Issuer,
		logger:        cfg.Logger,
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/issue_paid_code", s.handleIssueCode)
	if cfg.Metrics != nil {
		s.mux.Handle(cfg.MetricsPath, cfg.Metrics)
	}
	if cfg.WebSocket != nil {
		s.mux.Handle("/ws", cfg.WebSocket)
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("api server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(rw, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "navigatorbot",
	})
}

func (s *Server) handleIssueCode(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(rw, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "Bad Request")
		return
	}
	defer r.Body.Close()

	var payload IssueCodeRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(rw, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if s.paymentSecret == "" {
		s.logger.Error("payment hook called but api.paymentSecret is not set")
		writeError(rw, http.StatusInternalServerError, "Payment API is not configured. Contact the administrator.")
		return
	}
	if subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(s.paymentSecret)) != 1 {
		s.logger.Warn("payment hook called with a wrong secret", "remote", r.RemoteAddr)
		writeError(rw, http.StatusUnauthorized, "Invalid secret")
		return
	}
	if s.issuer == nil {
		writeError(rw, http.StatusServiceUnavailable, "Access control is disabled")
		return
	}

	note := payload.Note
	if note == "" {
		note = defaultPaidNote
	}
	code, err := s.issuer.IssueCode(r.Context(), note)
	if err != nil {
		s.logger.Error("issue paid code failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "Could not issue an activation code")
		return
	}
	metrics.CodesIssued.Inc()

	plan := s.issuer.Plan()
	s.logger.Info("paid activation code issued", "note", note, "limit_requests", plan.Requests, "days_valid", plan.Days)
	writeJSON(rw, http.StatusCreated, IssueCodeResponse{
		Code:          code,
		LimitRequests: plan.Requests,
		DaysValid:     plan.Days,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, detail string) {
	writeJSON(rw, status, map[string]string{"detail": detail})
}
