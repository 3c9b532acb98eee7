package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/params"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  storage: memory\n"))
	require.NoError(t, err)

	require.Equal(t, params.Default(), cfg.Risk.Params)
	require.Equal(t, fixed.New(5000), cfg.Liquidation.CloseFactor)
	require.Equal(t, fixed.New(500), cfg.Liquidation.AuctionEndDiscount)
	require.Equal(t, time.Hour, cfg.Liquidation.AuctionDuration)
	require.Equal(t, fixed.New(8000), cfg.Interest.Optimal)
	require.Equal(t, 5*time.Minute, cfg.Oracle.Staleness)
	require.Equal(t, "risk-events", cfg.Redis.Stream)
	require.Equal(t, MarketUnintegrated, cfg.Market.Mode)
	require.True(t, cfg.Keeper.AutoStopLoss)
	require.False(t, cfg.Keeper.AutoLiquidate)
}

func TestLoadAssetsAndNumericFixed(t *testing.T) {
	body := `
app:
  storage: bolt
risk:
  admin: ops
  params:
    k_factor: 150
    target_health_factor: "10600"
oracle:
  assets:
    - symbol: XLM
      decimals: 7
      base_ltv: 7500
      liquidation_threshold: 8000
      collateral_factor: 7500
      feed: "0x0000000000000000000000000000000000000001"
    - symbol: USDC
      decimals: 6
      base_ltv: 9000
      liquidation_threshold: 9500
      collateral_factor: 9000
  static:
    USDC: "1"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "ops", cfg.Risk.Admin)
	require.Equal(t, fixed.New(150), cfg.Risk.Params.KFactor)
	require.Equal(t, fixed.New(10600), cfg.Risk.Params.TargetHealthFactor)
	require.Len(t, cfg.Oracle.Assets, 2)
	require.Equal(t, uint8(7), cfg.Oracle.Assets[0].Decimals)
	require.Equal(t, "1", cfg.Oracle.Static["USDC"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"storage":    "app:\n  storage: sqlite\n",
		"ordering":   "app:\n  storage: memory\nrisk:\n  params:\n    target_health_factor: 9000\n",
		"dup asset":  "app:\n  storage: memory\noracle:\n  assets:\n    - {symbol: A, decimals: 1, base_ltv: 1, liquidation_threshold: 1, collateral_factor: 1}\n    - {symbol: A, decimals: 1, base_ltv: 1, liquidation_threshold: 1, collateral_factor: 1}\n",
		"telegram":   "app:\n  storage: memory\nalerting:\n  telegram:\n    enabled: true\n",
		"market":     "app:\n  storage: memory\nmarket:\n  mode: aave\n",
		"fractional": "app:\n  storage: memory\nliquidation:\n  close_factor: 12.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	require.Equal(t, 10, cfg.ResolveMaxPoints(0))
	require.Equal(t, 3, cfg.ResolveMaxPoints(3))
}
