package storage

import (
	"context"
	"time"

	"collateral-risk/internal/health"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/stoploss"
)

// ParamsRecord is the singleton parameter row.
type ParamsRecord struct {
	Admin     string            `json:"admin"`
	Params    params.Parameters `json:"params"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ParamStore persists protocol parameters.
type ParamStore interface {
	// InitParams creates the record; a second call fails with
	// riskerr.ErrAlreadyInitialized.
	InitParams(ctx context.Context, rec ParamsRecord) error
	// LoadParams fails with riskerr.ErrNotInitialized before InitParams.
	LoadParams(ctx context.Context) (ParamsRecord, error)
	// UpdateParams replaces the parameters if the stored version still
	// equals rec.Version, and returns the record with its new version.
	UpdateParams(ctx context.Context, rec ParamsRecord) (ParamsRecord, error)
}

// PositionStore persists positions with optimistic versioning.
type PositionStore interface {
	// GetPosition fails with riskerr.ErrNotFound for unknown owners.
	GetPosition(ctx context.Context, owner string) (health.Position, error)
	// SavePosition writes p if the stored version equals p.Version (zero
	// for a new position) and returns p with the incremented version.
	// A lost race fails with riskerr.ErrVersionConflict.
	SavePosition(ctx context.Context, p health.Position) (health.Position, error)
	// DeletePosition removes owner's position if it is still at version.
	DeletePosition(ctx context.Context, owner string, version int64) error
	ListOwners(ctx context.Context) ([]string, error)
}

// StopLossStore persists user stop-loss configurations.
type StopLossStore interface {
	GetStopLoss(ctx context.Context, owner string) (stoploss.Config, error)
	PutStopLoss(ctx context.Context, owner string, cfg stoploss.Config) error
	DeleteStopLoss(ctx context.Context, owner string) error
}

// PolicyStore persists borrow-limit rules keyed by (account, rule).
type PolicyStore interface {
	GetRule(ctx context.Context, key policy.Key) (policy.Rule, error)
	PutRule(ctx context.Context, rule policy.Rule) error
	DeleteRule(ctx context.Context, key policy.Key) error
	ListRules(ctx context.Context, account string) ([]policy.Rule, error)
}

// HistoryStore persists price observations and volatility readings.
type HistoryStore interface {
	AppendPrice(ctx context.Context, p oracle.AssetPrice, m oracle.VolatilityMetrics) error
	// LoadSnapshot fails with riskerr.ErrNotFound when no price was stored.
	LoadSnapshot(ctx context.Context, asset string) (oracle.Snapshot, error)
	ListPrices(ctx context.Context, asset string, from, to time.Time) ([]oracle.AssetPrice, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the engine persists.
type Repository interface {
	ParamStore
	PositionStore
	StopLossStore
	PolicyStore
	HistoryStore
	AdvisoryLocker
	Close() error
}
