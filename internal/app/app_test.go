package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"collateral-risk/internal/config"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/oracle"
)

func newTestApp(t *testing.T, extra string) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	body := `
app:
  storage: bolt
bolt:
  path: ` + filepath.Join(dir, "risk.db") + `
risk:
  admin: ops
market:
  mode: memory
  liquidity: "100000000000000000000"
oracle:
  staleness: 24h
  assets:
    - symbol: ETH
      decimals: 18
      base_ltv: 7500
      liquidation_threshold: 8000
      collateral_factor: 8000
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestInitParamsAndSimulateLiquidation(t *testing.T) {
	a, out := newTestApp(t, "")
	ctx := context.Background()

	require.NoError(t, a.InitParams(ctx))
	require.Error(t, a.InitParams(ctx), "second initialisation must fail")

	require.NoError(t, a.SimulateLiquidation(ctx, mustDecimal(t, "950"), mustDecimal(t, "1000")))
	require.Contains(t, out.String(), "$500.00")
	require.Contains(t, out.String(), "$525.00")
	require.Contains(t, out.String(), "0.9500")
}

func TestPositionsEmpty(t *testing.T) {
	a, out := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.InitParams(ctx))

	require.NoError(t, a.Positions(ctx, PositionsOptions{Limit: 10}))
	require.Equal(t, "no positions found\n", out.String())
}

func TestHealthRequiresOwner(t *testing.T) {
	a, _ := newTestApp(t, "")
	require.ErrorIs(t, a.Health(context.Background(), " "), errNoOwner)
}

func TestReplayPrintsWindows(t *testing.T) {
	a, out := newTestApp(t, "")

	var b strings.Builder
	b.WriteString("timestamp,price\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < oracle.ShortWindow; i++ {
		b.WriteString(start.Add(time.Duration(i) * 24 * time.Hour).Format(time.RFC3339))
		b.WriteString(",2000\n")
	}

	require.NoError(t, a.replay(context.Background(), "ETH", strings.NewReader(b.String())))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, oracle.ShortWindow+1)
	require.Contains(t, lines[1], "$2000.00")
	require.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), "-"))
	require.True(t, strings.HasSuffix(strings.TrimSpace(lines[oracle.ShortWindow]), "7500"))
}

func TestReplayRejectsUnknownAssetAndBadRows(t *testing.T) {
	a, _ := newTestApp(t, "")
	require.Error(t, a.replay(context.Background(), "BTC", strings.NewReader("")))
	require.Error(t, a.replay(context.Background(), "ETH", strings.NewReader("2024-01-01T00:00:00Z,abc\n")))
	require.Error(t, a.replay(context.Background(), "ETH", strings.NewReader("2024-01-01T00:00:00Z,-5\n")))
}

func TestExportCSV(t *testing.T) {
	a, _ := newTestApp(t, "")
	ctx := context.Background()

	sess, err := a.openSession(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.engine.Initialize(ctx, "ops", a.Config.Risk.Params))
	start := time.Now().UTC().Add(-10 * time.Hour).Truncate(time.Second)
	for i := 0; i < 8; i++ {
		price := fixed.FromUint64(uint64(2000+i) * 100_000_000_000_000)
		_, err := sess.engine.PushPrice(ctx, oracle.AssetPrice{Asset: "ETH", Price: price, Timestamp: start.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}
	sess.Close()

	from := start.Add(-time.Minute)
	csvPath := filepath.Join(t.TempDir(), "out", "eth.csv")
	require.NoError(t, a.Export(ctx, ExportOptions{Asset: "ETH", From: &from, CSVPath: csvPath}))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 9)
	require.Equal(t, []string{"timestamp", "price_usd", "volatility_7d_bp", "volatility_30d_bp"}, records[0])
	require.Equal(t, "2000", records[1][1])
	require.Empty(t, records[1][2])
	require.NotEmpty(t, records[7][2])
	require.Empty(t, records[8][3])
}

func TestExportNeedsOutput(t *testing.T) {
	a, _ := newTestApp(t, "")
	require.Error(t, a.Export(context.Background(), ExportOptions{Asset: "ETH"}))
}

func TestDownsampleKeepsEnds(t *testing.T) {
	points := make([]pricePoint, 10)
	for i := range points {
		points[i].Price = fixed.New(int64(i))
	}
	got := downsample(points, 4)
	require.Len(t, got, 4)
	require.True(t, got[0].Price.Eq(fixed.New(0)))
	require.True(t, got[3].Price.Eq(fixed.New(9)))
	require.Len(t, downsample(points, 0), 10)
}
