package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
	"collateral-risk/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "risk.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParamsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "risk.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.InitParams(ctx, storage.ParamsRecord{Admin: "admin", Params: params.Default()}))
	require.ErrorIs(t, s.InitParams(ctx, storage.ParamsRecord{Admin: "admin"}), riskerr.ErrAlreadyInitialized)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.LoadParams(ctx)
	require.NoError(t, err)
	require.Equal(t, "admin", rec.Admin)
	require.Equal(t, params.Default().TargetHealthFactor, rec.Params.TargetHealthFactor)

	rec.Params.LiquidationPenalty = fixed.New(700)
	next, err := s.UpdateParams(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Version)
	_, err = s.UpdateParams(ctx, rec)
	require.ErrorIs(t, err, riskerr.ErrVersionConflict)
}

func TestPositionVersioning(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetPosition(ctx, "bob")
	require.ErrorIs(t, err, riskerr.ErrNotFound)

	p := health.NewPosition("bob")
	p.Collateral["USDC"] = fixed.MustParse("1000")
	p.Principal = fixed.New(400)
	saved, err := s.SavePosition(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)

	got, err := s.GetPosition(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("1000"), got.Collateral["USDC"])
	require.Equal(t, fixed.New(400), got.Principal)

	_, err = s.SavePosition(ctx, p)
	require.ErrorIs(t, err, riskerr.ErrVersionConflict)

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, owners)

	require.ErrorIs(t, s.DeletePosition(ctx, "bob", 2), riskerr.ErrVersionConflict)
	require.NoError(t, s.DeletePosition(ctx, "bob", saved.Version))
	_, err = s.GetPosition(ctx, "bob")
	require.ErrorIs(t, err, riskerr.ErrNotFound)
}

func TestStopLossAndRules(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	cfg := stoploss.Config{Enabled: true, SwapOrder: []string{"XLM", "BTC"}, MaxSlippage: fixed.New(100)}
	require.NoError(t, s.PutStopLoss(ctx, "carol", cfg))
	got, err := s.GetStopLoss(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, cfg.SwapOrder, got.SwapOrder)
	require.NoError(t, s.DeleteStopLoss(ctx, "carol"))
	_, err = s.GetStopLoss(ctx, "carol")
	require.ErrorIs(t, err, riskerr.ErrNotFound)

	limit := policy.Limit{MaxPerTx: fixed.New(100), MaxCumulative: fixed.New(500), Window: time.Hour}
	for _, k := range []policy.Key{{Account: "carol", Rule: "daily"}, {Account: "carol", Rule: "hourly"}, {Account: "carolyn", Rule: "daily"}} {
		r, err := policy.Install(k, limit, now)
		require.NoError(t, err)
		require.NoError(t, s.PutRule(ctx, r))
	}
	rules, err := s.ListRules(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "daily", rules[0].Key.Rule)

	require.NoError(t, s.DeleteRule(ctx, policy.Key{Account: "carol", Rule: "daily"}))
	_, err = s.GetRule(ctx, policy.Key{Account: "carol", Rule: "daily"})
	require.ErrorIs(t, err, riskerr.ErrNotFound)
}

func TestPriceSnapshotKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 45; i++ {
		p := oracle.AssetPrice{Asset: "BTC", Price: fixed.New(int64(1000 + i)), Timestamp: base.Add(time.Duration(i) * time.Hour), Source: "test"}
		require.NoError(t, s.AppendPrice(ctx, p, oracle.VolatilityMetrics{}))
	}

	snap, err := s.LoadSnapshot(ctx, "BTC")
	require.NoError(t, err)
	require.Equal(t, fixed.New(1044), snap.Latest.Price)
	prices := snap.Metrics.History.Prices()
	require.Len(t, prices, oracle.HistoryCapacity)
	require.Equal(t, fixed.New(1015), prices[0])

	window, err := s.ListPrices(ctx, "BTC", base, base.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 5)
	require.Equal(t, "test", window[0].Source)

	_, err = s.LoadSnapshot(ctx, "ETH")
	require.ErrorIs(t, err, riskerr.ErrNotFound)
}
