package risk

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"collateral-risk/internal/health"
	"collateral-risk/internal/params"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
)

// DefaultWorkers bounds EvaluateAll when the caller passes no limit.
const DefaultWorkers = 8

// Evaluation is the keeper's view of one position.
type Evaluation struct {
	Owner        string        `json:"owner"`
	Factor       health.Factor `json:"factor"`
	Liquidatable bool          `json:"liquidatable"`
	// StopLoss is set when the owner has an enabled stop-loss whose trigger
	// zone contains the current health.
	StopLoss bool  `json:"stop_loss"`
	Err      error `json:"-"`
}

// EvaluateAll computes the health of every owner with at most workers
// concurrent reads. A failing owner is reported in its Evaluation and does not
// stop the others; only a parameter or context failure aborts the pass.
func (e *Engine) EvaluateAll(ctx context.Context, owners []string, workers int) ([]Evaluation, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	out := make([]Evaluation, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, owner := range owners {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.evaluate(gctx, rp, owner)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	counts := map[health.Status]int{}
	for _, ev := range out {
		if ev.Err != nil {
			continue
		}
		counts[ev.Factor.Status]++
		e.metrics.ObserveHealth(ev.Factor)
	}
	e.metrics.ObserveStatuses(counts)
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, rp params.Parameters, owner string) Evaluation {
	ev := Evaluation{Owner: owner}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		ev.Err = err
		return ev
	}
	if p, _, err = e.refresh(ctx, p); err != nil {
		ev.Err = err
		return ev
	}
	if ev.Factor, err = p.Health(rp.Thresholds()); err != nil {
		ev.Err = err
		return ev
	}
	ev.Liquidatable = ev.Factor.Status == health.Liquidatable
	if ev.Liquidatable || ev.Factor.Infinite() {
		return ev
	}
	cfg, err := e.store.GetStopLoss(ctx, owner)
	switch {
	case errors.Is(err, riskerr.ErrNotFound):
	case err != nil:
		ev.Err = err
	case cfg.Enabled:
		ev.StopLoss = stoploss.ShouldTrigger(ev.Factor.Value, cfg.Trigger(rp.StopLossThreshold), rp.LiquidationThreshold)
	}
	return ev
}
