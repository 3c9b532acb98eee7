// Package api serves a read-mostly HTTP view of the risk engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/ltv"
	"collateral-risk/internal/risk"
	"collateral-risk/internal/riskerr"
)

const requestLimit = 1 << 16

// Config controls the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server exposes the engine over HTTP.
type Server struct {
	cfg    Config
	engine *risk.Engine
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a server.
func New(cfg Config, engine *risk.Engine, logger zerolog.Logger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/params", s.getParams)
		r.Get("/interest/rate", s.getRate)
		r.Route("/assets/{asset}", func(r chi.Router) {
			r.Get("/price", s.getPrice)
			r.Get("/volatility", s.getVolatility)
			r.Get("/ltv", s.getLTV)
		})
		r.Route("/positions/{owner}", func(r chi.Router) {
			r.Get("/", s.getPosition)
			r.Get("/health", s.getHealth)
			r.Get("/capacity", s.getCapacity)
			r.Get("/stop-loss", s.getStopLoss)
			r.Get("/effective-rate", s.getEffectiveRate)
		})
		r.Post("/quotes/liquidation", s.quoteLiquidation)
		r.Post("/quotes/ltv", s.quoteLTV)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", s.now().Sub(started)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	code := riskerr.Code(err)
	writeJSON(w, statusFor(code), errorBody{Error: strings.TrimSpace(err.Error()), Code: code})
}

func statusFor(code string) int {
	switch code {
	case "not_found", "asset_not_supported":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_input", "overflow", "division_by_zero", "arithmetic_floor", "policy_violation":
		return http.StatusBadRequest
	case "not_initialized", "insufficient_history", "stale_data", "not_liquidatable",
		"already_healthy", "stop_loss_disabled", "position_liquidatable", "version_conflict", "already_initialized":
		return http.StatusConflict
	case "backend_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request: %v: %w", err, riskerr.ErrInvalidInput)
	}
	return nil
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Store().LoadParams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.engine.Rate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Int{"borrow_rate_bp": rate})
}

type priceBody struct {
	Asset     string    `json:"asset"`
	Price     fixed.Int `json:"price"`
	USD       string    `json:"usd"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	p, err := s.engine.Oracle().Price(r.Context(), asset, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceBody{
		Asset:     p.Asset,
		Price:     p.Price,
		USD:       p.Price.Decimal(fixed.USDDecimals).String(),
		Timestamp: p.Timestamp.UTC(),
		Source:    p.Source,
	})
}

type volatilityBody struct {
	Asset       string     `json:"asset"`
	Samples     int        `json:"samples"`
	SevenDay    *fixed.Int `json:"seven_day,omitempty"`
	ThirtyDay   *fixed.Int `json:"thirty_day,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

func (s *Server) getVolatility(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	m, err := s.engine.Oracle().Volatility(r.Context(), asset)
	if err != nil {
		writeError(w, err)
		return
	}
	body := volatilityBody{Asset: asset, Samples: m.History.Len(), LastUpdated: m.LastUpdated.UTC()}
	if m.SevenDayReady {
		v := m.SevenDay
		body.SevenDay = &v
	}
	if m.ThirtyDayReady {
		v := m.ThirtyDay
		body.ThirtyDay = &v
	}
	writeJSON(w, http.StatusOK, body)
}

// ltvResponse flags quotes whose adjustment saturated at zero.
type ltvResponse struct {
	ltv.Quote
	Warning string `json:"warning,omitempty"`
}

func newLTVResponse(q ltv.Quote) ltvResponse {
	return ltvResponse{Quote: q, Warning: riskerr.Code(q.Warning())}
}

func (s *Server) getLTV(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.AdjustedLTV(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLTVResponse(q))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Position(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Health(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) getCapacity(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.BorrowCapacity(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getStopLoss(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.StopLoss(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// getEffectiveRate reads the collateral yield from ?yield_bp=, default 0.
func (s *Server) getEffectiveRate(w http.ResponseWriter, r *http.Request) {
	yield := fixed.Zero
	if raw := r.URL.Query().Get("yield_bp"); raw != "" {
		v, err := fixed.Parse(raw)
		if err != nil {
			writeError(w, fmt.Errorf("yield_bp: %v: %w", err, riskerr.ErrInvalidInput))
			return
		}
		yield = v
	}
	rate, err := s.engine.EffectiveRate(r.Context(), chi.URLParam(r, "owner"), yield)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fixed.Int{"effective_rate_bp": rate, "yield_bp": yield})
}

type liquidationQuote struct {
	Collateral fixed.Int `json:"collateral"`
	Debt       fixed.Int `json:"debt"`
}

func (s *Server) quoteLiquidation(w http.ResponseWriter, r *http.Request) {
	var req liquidationQuote
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.engine.QuoteLiquidation(r.Context(), req.Collateral, req.Debt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type ltvQuote struct {
	Asset           string    `json:"asset"`
	CollateralValue fixed.Int `json:"collateral_value"`
	BaseLTV         fixed.Int `json:"base_ltv"`
}

func (s *Server) quoteLTV(w http.ResponseWriter, r *http.Request) {
	var req ltvQuote
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.engine.SafeBorrow(r.Context(), req.Asset, req.CollateralValue, req.BaseLTV)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLTVResponse(q))
}
