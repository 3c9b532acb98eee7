package params

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

func TestDefaultIsValid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	require.Equal(t, health.DefaultThresholds(), p.Thresholds())

	lp := p.Liquidation(fixed.New(5000))
	require.Equal(t, fixed.New(10500), lp.TargetHealth)
	require.NoError(t, lp.Validate())
}

func TestValidateRejects(t *testing.T) {
	mutations := map[string]func(*Parameters){
		"horizon":   func(p *Parameters) { p.TimeHorizonDays = 0 },
		"k":         func(p *Parameters) { p.KFactor = fixed.New(-1) },
		"stop-loss": func(p *Parameters) { p.StopLossThreshold = fixed.New(9000) },
		"target":    func(p *Parameters) { p.TargetHealthFactor = fixed.New(10000) },
		"fee":       func(p *Parameters) { p.ProtocolFee = fixed.New(10001) },
		"floor":     func(p *Parameters) { p.MinCollateralFactor = fixed.New(-5) },
	}
	for name, mutate := range mutations {
		p := Default()
		mutate(&p)
		require.ErrorIs(t, p.Validate(), riskerr.ErrInvalidInput, name)
	}
}
