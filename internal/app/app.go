package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"collateral-risk/internal/alerting"
	"collateral-risk/internal/api"
	"collateral-risk/internal/config"
	"collateral-risk/internal/events"
	"collateral-risk/internal/fetcher"
	"collateral-risk/internal/gateway"
	"collateral-risk/internal/metrics"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/risk"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/scheduler"
	"collateral-risk/internal/service"
	"collateral-risk/internal/storage"
	"collateral-risk/internal/storage/boltstore"
	"collateral-risk/internal/storage/memstore"
	"collateral-risk/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; nil writes to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// openStore connects the configured backend. PostgreSQL has its migrations
// applied before the store is returned.
func (a *App) openStore(ctx context.Context) (storage.Repository, error) {
	switch a.Config.App.Storage {
	case config.StorageMemory:
		a.Logger.Warn().Msg("in-memory storage selected; state is lost on exit")
		return memstore.New(), nil
	case config.StorageBolt:
		store, err := boltstore.Open(a.Config.Bolt.Path, &bolt.Options{Timeout: a.Config.Bolt.Timeout})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		applied, err := storage.ApplyMigrations(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.Logger.Debug().Strs("migrations", applied).Msg("migrations applied")
		return storage.NewStore(pool), nil
	}
}

// newTracker registers the configured assets and replays their persisted
// history so volatility survives restarts.
func (a *App) newTracker(ctx context.Context, store storage.HistoryStore) (*oracle.Tracker, error) {
	tracker := oracle.NewTracker(a.Config.Oracle.Staleness)
	for _, asset := range a.Config.Oracle.Assets {
		if err := tracker.RegisterAsset(asset); err != nil {
			return nil, err
		}
		if store == nil {
			continue
		}
		snap, err := store.LoadSnapshot(ctx, asset.Symbol)
		if errors.Is(err, riskerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", asset.Symbol, err)
		}
		if err := tracker.Restore(asset.Symbol, snap); err != nil {
			return nil, err
		}
	}
	return tracker, nil
}

func (a *App) newMarket() gateway.LendingMarket {
	if a.Config.Market.Mode == config.MarketMemory {
		return gateway.NewMemory(a.Config.Market.Liquidity)
	}
	return gateway.Unintegrated{}
}

// newPriceFetcher tries Chainlink first and falls back to pinned prices.
func (a *App) newPriceFetcher() (fetcher.PriceFetcher, error) {
	var chain fetcher.Chain

	feeds := make(map[string]string)
	for _, asset := range a.Config.Oracle.Assets {
		if asset.Feed != "" {
			feeds[asset.Symbol] = asset.Feed
		}
	}
	if len(feeds) > 0 {
		chain = append(chain, fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Feeds:   feeds,
			Timeout: a.Config.Ethereum.RequestTimeout,
		}, a.Logger))
	}

	if len(a.Config.Oracle.Static) > 0 {
		static, err := fetcher.NewStatic(a.Config.Oracle.Static, time.Now)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	return chain, nil
}

func (a *App) newQuoter() risk.SwapQuoter {
	q := a.Config.Quoter
	if !q.Enabled {
		return nil
	}
	if q.UserAgent == "" {
		q.UserAgent = version.UserAgent()
	}
	tokens := make(map[string]fetcher.Token, len(q.Tokens))
	for symbol, t := range q.Tokens {
		tokens[symbol] = fetcher.Token{Address: t.Address, Decimals: t.Decimals}
	}
	return fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:      q.BaseURL,
		PriceQuality: q.PriceQuality,
		From:         q.From,
		Timeout:      q.RequestTimeout,
		UserAgent:    q.UserAgent,
		Tokens:       tokens,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	var n alerting.Notifier = alerting.NewLog(a.Logger)
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		n = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewThrottled(n, a.Config.Alerting.Cooldown)
}

// newSink always logs events and, when configured, mirrors them to Redis.
// The returned Async must be run for events to flow.
func (a *App) newSink(ctx context.Context) (*events.Async, func(), error) {
	sinks := events.Multi{events.NewLogPublisher(a.Logger)}
	closer := func() {}

	if r := a.Config.Redis; r.Enabled {
		client, err := events.DialRedis(ctx, events.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, events.NewRedisStream(client, r.Stream, r.MaxLen))
		closer = func() { _ = client.Close() }
	}
	return events.NewAsync(sinks, a.Config.Redis.Buffer, a.Logger), closer, nil
}

func (a *App) engineConfig() risk.Config {
	return risk.Config{
		Interest:    a.Config.Interest,
		CloseFactor: a.Config.Liquidation.CloseFactor,
		Auction: risk.AuctionConfig{
			StartDiscount: a.Config.Liquidation.AuctionStartDiscount,
			EndDiscount:   a.Config.Liquidation.AuctionEndDiscount,
			Duration:      a.Config.Liquidation.AuctionDuration,
		},
		StableAsset: a.Config.Risk.StableAsset,
	}
}

// session is everything a command needs to talk to the engine.
type session struct {
	store   storage.Repository
	tracker *oracle.Tracker
	engine  *risk.Engine
}

func (a *App) openSession(ctx context.Context, opts ...risk.Option) (*session, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	tracker, err := a.newTracker(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	opts = append([]risk.Option{risk.WithLogger(a.Logger)}, opts...)
	if q := a.newQuoter(); q != nil {
		opts = append(opts, risk.WithQuoter(q))
	}
	engine, err := risk.New(a.engineConfig(), tracker, store, a.newMarket(), opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{store: store, tracker: tracker, engine: engine}, nil
}

func (s *session) Close() {
	_ = s.store.Close()
}

// Run executes the keeper loop and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, closeSink, err := a.newSink(ctx)
	if err != nil {
		return err
	}
	defer closeSink()

	m := metrics.Default()
	sess, err := a.openSession(ctx, risk.WithSink(sink), risk.WithMetrics(m))
	if err != nil {
		return err
	}
	defer sess.Close()

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)
	if err != nil {
		return err
	}

	prices, err := a.newPriceFetcher()
	if err != nil {
		return err
	}

	svc := service.New(service.Options{
		Assets:          sess.tracker.Assets(),
		Workers:         a.Config.Scheduler.Workers,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		KeeperID:        a.Config.Keeper.ID,
		AutoLiquidate:   a.Config.Keeper.AutoLiquidate,
		AutoStopLoss:    a.Config.Keeper.AutoStopLoss,
		AlertsEnabled:   a.Config.Alerting.Enabled,
		Channels:        a.Config.Alerting.Channels,
	}, sched, sess.engine, prices, a.newNotifier(), m, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error {
		reportDropped(gctx, sink, m, a.Config.Scheduler.Interval)
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	if a.Config.API.Enabled {
		server := api.New(api.Config{
			Addr:         a.Config.API.Addr,
			ReadTimeout:  a.Config.API.ReadTimeout,
			WriteTimeout: a.Config.API.WriteTimeout,
		}, sess.engine, a.Logger)
		g.Go(func() error { return server.ListenAndServe(gctx) })
	}

	a.Logger.Info().Strs("assets", sess.tracker.Assets()).Msg("starting risk keeper")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("risk keeper stopped")
	return nil
}

// reportDropped forwards the buffer's overflow count to metrics.
func reportDropped(ctx context.Context, sink *events.Async, m *metrics.Metrics, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sink.Dropped(); n > seen {
				m.EventsDropped(n - seen)
				seen = n
			}
		}
	}
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// PositionsOptions configure the positions command.
type PositionsOptions struct {
	Limit int
}

// ReplayOptions configure a volatility replay over a CSV price file.
type ReplayOptions struct {
	Asset string
	Path  string
}
