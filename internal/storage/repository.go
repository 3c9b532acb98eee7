package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertParamsSQL = `INSERT INTO risk_params (id, admin, params, version, updated_at)
    VALUES (1, $1, $2, 1, $3)
    ON CONFLICT (id) DO NOTHING;`

	selectParamsSQL = `SELECT admin, params, version, updated_at FROM risk_params WHERE id = 1;`

	updateParamsSQL = `UPDATE risk_params
    SET params = $1, version = version + 1, updated_at = $2
    WHERE id = 1 AND version = $3
    RETURNING admin, params, version, updated_at;`

	selectPositionSQL = `SELECT
        owner,
        collateral,
        weighted_collateral::text,
        principal::text,
        accrued_interest::text,
        last_accrual,
        version
    FROM positions
    WHERE owner = $1;`

	insertPositionSQL = `INSERT INTO positions (
        owner,
        collateral,
        weighted_collateral,
        principal,
        accrued_interest,
        last_accrual,
        version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,1
    )
    ON CONFLICT (owner) DO NOTHING;`

	updatePositionSQL = `UPDATE positions
    SET
        collateral          = $2,
        weighted_collateral = $3,
        principal           = $4,
        accrued_interest    = $5,
        last_accrual        = $6,
        version             = version + 1,
        updated_at          = now()
    WHERE owner = $1
      AND version = $7;`

	deletePositionSQL = `DELETE FROM positions WHERE owner = $1 AND version = $2;`

	listOwnersSQL = `SELECT owner FROM positions ORDER BY owner;`

	selectStopLossSQL = `SELECT config FROM stop_loss_configs WHERE owner = $1;`

	upsertStopLossSQL = `INSERT INTO stop_loss_configs (owner, config)
    VALUES ($1, $2)
    ON CONFLICT (owner) DO UPDATE
    SET config = EXCLUDED.config, updated_at = now();`

	deleteStopLossSQL = `DELETE FROM stop_loss_configs WHERE owner = $1;`

	selectRuleSQL = `SELECT account, rule_id, limits, usage FROM borrow_limits WHERE account = $1 AND rule_id = $2;`

	listRulesSQL = `SELECT account, rule_id, limits, usage FROM borrow_limits WHERE account = $1 ORDER BY rule_id;`

	upsertRuleSQL = `INSERT INTO borrow_limits (account, rule_id, limits, usage)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (account, rule_id) DO UPDATE
    SET limits = EXCLUDED.limits, usage = EXCLUDED.usage;`

	deleteRuleSQL = `DELETE FROM borrow_limits WHERE account = $1 AND rule_id = $2;`

	insertPriceSQL = `INSERT INTO price_history (asset, observed_at, price, source)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (asset, observed_at) DO UPDATE
    SET price = EXCLUDED.price, source = EXCLUDED.source;`

	upsertVolatilitySQL = `INSERT INTO volatility_metrics (asset, seven_day_bp, thirty_day_bp, last_updated)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (asset) DO UPDATE
    SET seven_day_bp  = EXCLUDED.seven_day_bp,
        thirty_day_bp = EXCLUDED.thirty_day_bp,
        last_updated  = EXCLUDED.last_updated;`

	listRecentPricesSQL = `SELECT asset, observed_at, price::text, source
    FROM price_history
    WHERE asset = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	listPricesBetweenSQL = `SELECT asset, observed_at, price::text, source
    FROM price_history
    WHERE asset = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InitParams creates the parameter row once.
func (s *Store) InitParams(ctx context.Context, rec ParamsRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	body, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	tag, err := pool.Exec(ctx, insertParamsSQL, rec.Admin, body, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert params: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return riskerr.ErrAlreadyInitialized
	}
	return nil
}

// LoadParams reads the parameter row.
func (s *Store) LoadParams(ctx context.Context) (ParamsRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ParamsRecord{}, err
	}
	rec, err := scanParams(pool.QueryRow(ctx, selectParamsSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return ParamsRecord{}, riskerr.ErrNotInitialized
	}
	if err != nil {
		return ParamsRecord{}, fmt.Errorf("load params: %w", err)
	}
	return rec, nil
}

// UpdateParams replaces the parameters at rec.Version.
func (s *Store) UpdateParams(ctx context.Context, rec ParamsRecord) (ParamsRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ParamsRecord{}, err
	}
	body, err := json.Marshal(rec.Params)
	if err != nil {
		return ParamsRecord{}, fmt.Errorf("encode params: %w", err)
	}
	out, err := scanParams(pool.QueryRow(ctx, updateParamsSQL, body, rec.UpdatedAt, rec.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		return ParamsRecord{}, fmt.Errorf("params at version %d: %w", rec.Version, riskerr.ErrVersionConflict)
	}
	if err != nil {
		return ParamsRecord{}, fmt.Errorf("update params: %w", err)
	}
	return out, nil
}

// GetPosition loads a position by owner.
func (s *Store) GetPosition(ctx context.Context, owner string) (health.Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return health.Position{}, err
	}
	p, err := scanPosition(pool.QueryRow(ctx, selectPositionSQL, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return health.Position{}, fmt.Errorf("position %s: %w", owner, riskerr.ErrNotFound)
	}
	if err != nil {
		return health.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// SavePosition inserts a new position or updates one at its read version.
func (s *Store) SavePosition(ctx context.Context, p health.Position) (health.Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return health.Position{}, err
	}
	collateral, err := json.Marshal(p.Collateral)
	if err != nil {
		return health.Position{}, fmt.Errorf("encode collateral: %w", err)
	}

	args := []any{
		p.Owner,
		collateral,
		p.WeightedCollateral.String(),
		p.Principal.String(),
		p.AccruedInterest.String(),
		p.LastAccrual,
	}
	query := insertPositionSQL
	if p.Version > 0 {
		query = updatePositionSQL
		args = append(args, p.Version)
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return health.Position{}, fmt.Errorf("save position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return health.Position{}, fmt.Errorf("position %s at version %d: %w", p.Owner, p.Version, riskerr.ErrVersionConflict)
	}
	p.Version++
	return p, nil
}

// DeletePosition removes a position at its read version.
func (s *Store) DeletePosition(ctx context.Context, owner string, version int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deletePositionSQL, owner, version)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s at version %d: %w", owner, version, riskerr.ErrVersionConflict)
	}
	return nil
}

// ListOwners returns every owner with a stored position.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listOwnersSQL)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// GetStopLoss loads a user's stop-loss configuration.
func (s *Store) GetStopLoss(ctx context.Context, owner string) (stoploss.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return stoploss.Config{}, err
	}
	var body []byte
	err = pool.QueryRow(ctx, selectStopLossSQL, owner).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return stoploss.Config{}, fmt.Errorf("stop-loss for %s: %w", owner, riskerr.ErrNotFound)
	}
	if err != nil {
		return stoploss.Config{}, fmt.Errorf("get stop-loss: %w", err)
	}
	var cfg stoploss.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return stoploss.Config{}, fmt.Errorf("decode stop-loss: %w", err)
	}
	return cfg, nil
}

// PutStopLoss stores a user's stop-loss configuration.
func (s *Store) PutStopLoss(ctx context.Context, owner string, cfg stoploss.Config) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode stop-loss: %w", err)
	}
	if _, err := pool.Exec(ctx, upsertStopLossSQL, owner, body); err != nil {
		return fmt.Errorf("put stop-loss: %w", err)
	}
	return nil
}

// DeleteStopLoss removes a user's stop-loss configuration.
func (s *Store) DeleteStopLoss(ctx context.Context, owner string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteStopLossSQL, owner); err != nil {
		return fmt.Errorf("delete stop-loss: %w", err)
	}
	return nil
}

// GetRule loads one borrow-limit rule.
func (s *Store) GetRule(ctx context.Context, key policy.Key) (policy.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return policy.Rule{}, err
	}
	r, err := scanRule(pool.QueryRow(ctx, selectRuleSQL, key.Account, key.Rule))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Rule{}, fmt.Errorf("rule %s: %w", key, riskerr.ErrNotFound)
	}
	if err != nil {
		return policy.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// PutRule stores a borrow-limit rule.
func (s *Store) PutRule(ctx context.Context, rule policy.Rule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	limits, err := json.Marshal(rule.Limit)
	if err != nil {
		return fmt.Errorf("encode limit: %w", err)
	}
	usage, err := json.Marshal(rule.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	if _, err := pool.Exec(ctx, upsertRuleSQL, rule.Key.Account, rule.Key.Rule, limits, usage); err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return nil
}

// DeleteRule removes a borrow-limit rule.
func (s *Store) DeleteRule(ctx context.Context, key policy.Key) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteRuleSQL, key.Account, key.Rule); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// ListRules returns all rules installed on account.
func (s *Store) ListRules(ctx context.Context, account string) ([]policy.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRulesSQL, account)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]policy.Rule, 0)
	for rows.Next() {
		r, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// AppendPrice records an observation and the volatility computed with it.
func (s *Store) AppendPrice(ctx context.Context, p oracle.AssetPrice, m oracle.VolatilityMetrics) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var seven, thirty any
	if m.SevenDayReady {
		seven = m.SevenDay.String()
	}
	if m.ThirtyDayReady {
		thirty = m.ThirtyDay.String()
	}

	batch := &pgx.Batch{}
	batch.Queue(insertPriceSQL, p.Asset, p.Timestamp, p.Price.String(), p.Source)
	batch.Queue(upsertVolatilitySQL, p.Asset, seven, thirty, m.LastUpdated)
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append price: %w", err)
	}
	return nil
}

// LoadSnapshot rebuilds the tracker state of asset from the newest samples.
func (s *Store) LoadSnapshot(ctx context.Context, asset string) (oracle.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.Snapshot{}, err
	}
	rows, err := pool.Query(ctx, listRecentPricesSQL, asset, oracle.HistoryCapacity)
	if err != nil {
		return oracle.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	recent, err := collectPrices(rows)
	if err != nil {
		return oracle.Snapshot{}, err
	}
	if len(recent) == 0 {
		return oracle.Snapshot{}, fmt.Errorf("snapshot %s: %w", asset, riskerr.ErrNotFound)
	}
	return snapshotFromNewest(asset, recent), nil
}

// ListPrices lists observations of asset in [from, to).
func (s *Store) ListPrices(ctx context.Context, asset string, from, to time.Time) ([]oracle.AssetPrice, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPricesBetweenSQL, asset, from, to)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return collectPrices(rows)
}

// snapshotFromNewest builds a snapshot from samples ordered newest first.
func snapshotFromNewest(asset string, newest []oracle.AssetPrice) oracle.Snapshot {
	latest := newest[0]
	prices := make([]fixed.Int, len(newest))
	for i, p := range newest {
		prices[len(newest)-1-i] = p.Price
	}
	return oracle.Snapshot{
		Latest: &latest,
		Metrics: &oracle.VolatilityMetrics{
			Asset:       asset,
			LastUpdated: latest.Timestamp,
			History:     oracle.NewPriceHistory(prices),
		},
	}
}

func collectPrices(rows pgx.Rows) ([]oracle.AssetPrice, error) {
	defer rows.Close()
	out := make([]oracle.AssetPrice, 0)
	for rows.Next() {
		var (
			p        oracle.AssetPrice
			priceStr string
		)
		if err := rows.Scan(&p.Asset, &p.Timestamp, &priceStr, &p.Source); err != nil {
			return nil, err
		}
		v, err := fixed.Parse(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		p.Price = v
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanParams(row pgx.Row) (ParamsRecord, error) {
	var (
		rec  ParamsRecord
		body []byte
	)
	if err := row.Scan(&rec.Admin, &body, &rec.Version, &rec.UpdatedAt); err != nil {
		return ParamsRecord{}, err
	}
	if err := json.Unmarshal(body, &rec.Params); err != nil {
		return ParamsRecord{}, fmt.Errorf("decode params: %w", err)
	}
	return rec, nil
}

func scanPosition(row pgx.Row) (health.Position, error) {
	var (
		p                                 health.Position
		collateral                        []byte
		weightedStr, principalStr, accStr string
	)
	if err := row.Scan(&p.Owner, &collateral, &weightedStr, &principalStr, &accStr, &p.LastAccrual, &p.Version); err != nil {
		return health.Position{}, err
	}
	p.Collateral = map[string]fixed.Int{}
	if err := json.Unmarshal(collateral, &p.Collateral); err != nil {
		return health.Position{}, fmt.Errorf("decode collateral: %w", err)
	}
	var err error
	if p.WeightedCollateral, err = fixed.Parse(weightedStr); err != nil {
		return health.Position{}, fmt.Errorf("parse weighted collateral: %w", err)
	}
	if p.Principal, err = fixed.Parse(principalStr); err != nil {
		return health.Position{}, fmt.Errorf("parse principal: %w", err)
	}
	if p.AccruedInterest, err = fixed.Parse(accStr); err != nil {
		return health.Position{}, fmt.Errorf("parse accrued interest: %w", err)
	}
	return p, nil
}

func scanRule(row pgx.Row) (policy.Rule, error) {
	var (
		r             policy.Rule
		limits, usage []byte
	)
	if err := row.Scan(&r.Key.Account, &r.Key.Rule, &limits, &usage); err != nil {
		return policy.Rule{}, err
	}
	if err := json.Unmarshal(limits, &r.Limit); err != nil {
		return policy.Rule{}, fmt.Errorf("decode limit: %w", err)
	}
	if err := json.Unmarshal(usage, &r.Usage); err != nil {
		return policy.Rule{}, fmt.Errorf("decode usage: %w", err)
	}
	return r, nil
}
