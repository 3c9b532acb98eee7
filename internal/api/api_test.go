package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/gateway"
	"collateral-risk/internal/interest"
	"collateral-risk/internal/ltv"
	"collateral-risk/internal/metrics"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
	"collateral-risk/internal/risk"
	"collateral-risk/internal/storage/memstore"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func usd(n int64) fixed.Int {
	v, err := fixed.FromInt64(n).Mul(fixed.MustParse("100000000000000")).Result()
	if err != nil {
		panic(err)
	}
	return v
}

func newServer(t *testing.T) http.Handler {
	t.Helper()
	tracker := oracle.NewTracker(time.Hour)
	require.NoError(t, tracker.RegisterAsset(oracle.AssetConfig{Symbol: "ETH", Decimals: 18, BaseLTV: 7500, LiquidationThreshold: 8000, CollateralFactor: 8000}))
	reg := prometheus.NewRegistry()
	e, err := risk.New(risk.Config{Interest: interest.DefaultModel(), CloseFactor: fixed.New(5000)},
		tracker, memstore.New(), gateway.NewMemory(usd(1_000_000)),
		risk.WithClock(func() time.Time { return now }), risk.WithMetrics(metrics.New(reg)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "admin", params.Default()))
	for i := 0; i < oracle.ShortWindow; i++ {
		_, err := e.PushPrice(ctx, oracle.AssetPrice{Asset: "ETH", Price: usd(2000), Timestamp: now.Add(-time.Duration(oracle.ShortWindow-i) * time.Minute), Source: "test"})
		require.NoError(t, err)
	}
	_, err = e.Deposit(ctx, "alice", "ETH", fixed.MustParse("1000000000000000000"))
	require.NoError(t, err)

	s := New(Config{Gatherer: reg}, e, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newServer(t)

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "riskengine_oracle_price_usd")
}

func TestAssetRoutes(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodGet, "/v1/assets/ETH/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "200000000000000000", body["price"])
	require.Equal(t, "2000", body["usd"])

	rec, body = do(t, h, http.MethodGet, "/v1/assets/ETH/volatility", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", body["seven_day"])
	require.NotContains(t, body, "thirty_day")

	rec, body = do(t, h, http.MethodGet, "/v1/assets/ETH/ltv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "7500", body["FinalLTV"])
	require.NotContains(t, body, "warning")

	rec, body = do(t, h, http.MethodGet, "/v1/assets/DOGE/price", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "asset_not_supported", body["code"])
}

func TestPositionRoutes(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodGet, "/v1/positions/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", body["owner"])

	rec, body = do(t, h, http.MethodGet, "/v1/positions/alice/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", body["status"])

	rec, body = do(t, h, http.MethodGet, "/v1/positions/alice/capacity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, usd(1500).String(), body["available"])

	rec, body = do(t, h, http.MethodGet, "/v1/positions/bob/health", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", body["code"])

	rec, _ = do(t, h, http.MethodGet, "/v1/positions/alice/stop-loss", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/v1/positions/alice/effective-rate?yield_bp=300", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", body["effective_rate_bp"])
	require.Equal(t, "300", body["yield_bp"])

	rec, body = do(t, h, http.MethodGet, "/v1/positions/alice/effective-rate?yield_bp=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", body["code"])
}

func TestQuoteRoutes(t *testing.T) {
	h := newServer(t)

	rec, body := do(t, h, http.MethodPost, "/v1/quotes/liquidation", `{"collateral":"950","debt":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "500", body["debt_repaid"])
	require.Equal(t, "525", body["collateral_seized"])
	require.Equal(t, true, body["capped"])

	rec, body = do(t, h, http.MethodPost, "/v1/quotes/liquidation", `{"collateral":1200,"debt":1000}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_liquidatable", body["code"])

	rec, body = do(t, h, http.MethodPost, "/v1/quotes/ltv", `{"asset":"ETH","collateral_value":"1000","base_ltv":"7500"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "750", body["SafeBorrow"])

	rec, body = do(t, h, http.MethodPost, "/v1/quotes/ltv", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", body["code"])
}

func TestGetParams(t *testing.T) {
	h := newServer(t)
	rec, body := do(t, h, http.MethodGet, "/v1/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "admin", body["admin"])
}

func TestLTVResponseFlagsSaturation(t *testing.T) {
	raw, err := json.Marshal(newLTVResponse(ltv.Quote{
		Adjustment:  fixed.New(9000),
		AdjustedLTV: fixed.Zero,
		FinalLTV:    fixed.New(3000),
		Saturated:   true,
		Floored:     true,
	}))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "arithmetic_floor", body["warning"])
	require.Equal(t, "3000", body["FinalLTV"])
	require.Equal(t, true, body["Saturated"])
}
