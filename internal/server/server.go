// Package server exposes the admin HTTP surface of an observability
// context: Prometheus metrics, health, and debug views of open transactions
// and token totals.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/observability"
)

const shutdownGrace = 5 * time.Second

// Server is the admin HTTP server.
type Server struct {
	Router *chi.Mux
	Addr   string
	octx   *observability.Context
	logger *slog.Logger
}

// New builds the admin router for octx. The server does not listen until
// Start is called.
func New(addr string, octx *observability.Context, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router: chi.NewRouter(),
		Addr:   addr,
		octx:   octx,
		logger: logger,
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "observicia-admin")
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", octx.Metrics().Handler())
	r.Route("/debug", func(r chi.Router) {
		r.Get("/transactions", s.handleTransactions)
		r.Get("/transactions/{id}", s.handleTransaction)
		r.Get("/tokens", s.handleTokens)
		r.Get("/policies", s.handlePolicies)
	})
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", slog.String("addr", s.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.octx.ServiceName(),
	})
}

type transactionsResponse struct {
	Count        int                  `json:"count"`
	Transactions []domain.Transaction `json:"transactions"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	list := s.octx.ActiveTransactionList()
	if list == nil {
		list = []domain.Transaction{}
	}
	writeJSON(w, r, http.StatusOK, transactionsResponse{Count: len(list), Transactions: list})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txn, ok := s.octx.ActiveTransactions()[id]
	if !ok {
		writeError(w, r, http.StatusNotFound, "transaction not active: "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, txn)
}

type tokensResponse struct {
	Providers      map[string]domain.TokenUsage `json:"providers"`
	ActiveSessions []string                     `json:"active_sessions"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	sessions := s.octx.TokenTracker().ActiveSessions()
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, r, http.StatusOK, tokensResponse{
		Providers:      s.octx.TokenTracker().Snapshot(),
		ActiveSessions: sessions,
	})
}

type policyView struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Action   string `json:"action"`
	FailMode string `json:"fail_mode"`
	Endpoint string `json:"endpoint,omitempty"`
	Rego     bool   `json:"rego"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.octx.PolicyEngine().Policies()
	out := make([]policyView, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyView{
			Name:     p.Name,
			Target:   string(p.Target),
			Action:   string(p.Action),
			FailMode: string(p.FailMode),
			Endpoint: p.Endpoint,
			Rego:     p.Rego != "",
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		AddError(r.Context(), err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
