// Package service runs the keeper: on every tick it refreshes prices,
// evaluates every position and acts on the ones that crossed a threshold.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collateral-risk/internal/alerting"
	"collateral-risk/internal/fetcher"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/metrics"
	"collateral-risk/internal/risk"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/scheduler"
	"collateral-risk/internal/storage"
)

// Options configure the keeper.
type Options struct {
	// Assets are refreshed through the fetcher on every tick.
	Assets          []string
	Workers         int
	AdvisoryLockKey int64
	KeeperID        string
	AutoLiquidate   bool
	AutoStopLoss    bool
	AlertsEnabled   bool
	Channels        []string
}

// Report summarises one tick.
type Report struct {
	Bucket       time.Time
	Skipped      bool
	Prices       int
	PriceErrors  int
	Evaluated    int
	Failed       int
	Statuses     map[health.Status]int
	Liquidations []risk.Liquidation
	StopLosses   int
	Alerts       int
}

// Service orchestrates fetching, evaluation and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *risk.Engine
	prices    fetcher.PriceFetcher
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the keeper service. The scheduler may be nil for one-shot
// use through ProcessBucket.
func New(opts Options, sched *scheduler.Scheduler, engine *risk.Engine, prices fetcher.PriceFetcher, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if opts.KeeperID == "" {
		opts.KeeperID = "keeper"
	}
	return &Service{
		scheduler: sched,
		engine:    engine,
		prices:    prices,
		locker:    engine.Store(),
		notifier:  notifier,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the keeper loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.ProcessBucket(ctx, bucket)
		return err
	})
}

// ProcessBucket executes one keeper tick under the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) (Report, error) {
	started := s.now()
	report := Report{Bucket: bucket}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.metrics.Tick("error", s.now().Sub(started))
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		report.Skipped = true
		s.metrics.Tick("skipped", s.now().Sub(started))
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	err = s.executeBucket(ctx, &report)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Tick(outcome, s.now().Sub(started))
	return report, err
}

func (s *Service) executeBucket(ctx context.Context, report *Report) error {
	s.refreshPrices(ctx, report)

	owners, err := s.engine.Store().ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	evals, err := s.engine.EvaluateAll(ctx, owners, s.opts.Workers)
	if err != nil {
		return fmt.Errorf("evaluate positions: %w", err)
	}

	report.Statuses = map[health.Status]int{}
	for _, ev := range evals {
		if ev.Err != nil {
			report.Failed++
			s.logger.Warn().Err(ev.Err).Str("owner", ev.Owner).Msg("evaluate position")
			continue
		}
		report.Evaluated++
		report.Statuses[ev.Factor.Status]++
		s.act(ctx, ev, report)
	}

	s.logger.Info().
		Time("bucket", report.Bucket).
		Int("prices", report.Prices).
		Int("evaluated", report.Evaluated).
		Int("failed", report.Failed).
		Int("liquidations", len(report.Liquidations)).
		Int("stop_losses", report.StopLosses).
		Msg("keeper tick complete")
	return nil
}

func (s *Service) refreshPrices(ctx context.Context, report *Report) {
	if s.prices == nil {
		return
	}
	for _, asset := range s.opts.Assets {
		p, err := s.prices.FetchPrice(ctx, asset)
		if err == nil {
			_, err = s.engine.PushPrice(ctx, p)
		}
		if err != nil {
			report.PriceErrors++
			s.logger.Error().Err(err).Str("asset", asset).Msg("refresh price")
			continue
		}
		report.Prices++
	}
}

func (s *Service) act(ctx context.Context, ev risk.Evaluation, report *Report) {
	switch {
	case ev.Liquidatable:
		s.alert(ctx, ev, alerting.KindLiquidatable, "", report)
		if !s.opts.AutoLiquidate {
			return
		}
		l, err := s.engine.Liquidate(ctx, s.opts.KeeperID, ev.Owner, time.Time{})
		if err != nil {
			if !errors.Is(err, riskerr.ErrNotLiquidatable) {
				s.logger.Error().Err(err).Str("owner", ev.Owner).Msg("liquidate")
			}
			return
		}
		report.Liquidations = append(report.Liquidations, l)
		s.alert(ctx, ev, alerting.KindLiquidated,
			fmt.Sprintf("Repaid: %s\nHealth after: %s\n", l.Plan.DebtRepaid.Decimal(fixed.USDDecimals).StringFixed(2), l.Plan.HealthAfter.Decimal(4).StringFixed(4)), report)
	case ev.StopLoss:
		if !s.opts.AutoStopLoss {
			s.alert(ctx, ev, alerting.KindStopLoss, "", report)
			return
		}
		plan, err := s.engine.TriggerStopLoss(ctx, ev.Owner)
		if err != nil {
			s.logger.Error().Err(err).Str("owner", ev.Owner).Msg("trigger stop-loss")
			return
		}
		report.StopLosses++
		s.alert(ctx, ev, alerting.KindStopLoss,
			fmt.Sprintf("Swap value: %s across %d legs\n", plan.SwapValue.Decimal(fixed.USDDecimals).StringFixed(2), len(plan.Legs)), report)
	case ev.Factor.Status == health.Critical:
		s.alert(ctx, ev, alerting.KindCritical, "", report)
	}
}

func (s *Service) alert(ctx context.Context, ev risk.Evaluation, kind alerting.Kind, msg string, report *Report) {
	if !s.opts.AlertsEnabled || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:            s.now().UTC(),
		Owner:         ev.Owner,
		Kind:          kind,
		Health:        ev.Factor.Value,
		Status:        ev.Factor.Status,
		Collateral:    ev.Factor.Collateral,
		Debt:          ev.Factor.Debt,
		Channels:      s.opts.Channels,
		AdditionalMsg: msg,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("owner", ev.Owner).Msg("failed to dispatch alert")
		return
	}
	report.Alerts++
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
