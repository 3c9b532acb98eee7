// Package memstore is an in-process storage.Repository for tests, dry runs
// and single-node deployments without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collateral-risk/internal/health"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
	"collateral-risk/internal/storage"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	params    *storage.ParamsRecord
	positions map[string]health.Position
	stopLoss  map[string]stoploss.Config
	rules     map[policy.Key]policy.Rule
	prices    map[string][]oracle.AssetPrice
	locks     map[int64]bool
}

var _ storage.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		positions: make(map[string]health.Position),
		stopLoss:  make(map[string]stoploss.Config),
		rules:     make(map[policy.Key]policy.Rule),
		prices:    make(map[string][]oracle.AssetPrice),
		locks:     make(map[int64]bool),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}

func (s *Store) InitParams(_ context.Context, rec storage.ParamsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params != nil {
		return riskerr.ErrAlreadyInitialized
	}
	rec.Version = 1
	s.params = &rec
	return nil
}

func (s *Store) LoadParams(context.Context) (storage.ParamsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return storage.ParamsRecord{}, riskerr.ErrNotInitialized
	}
	return *s.params, nil
}

func (s *Store) UpdateParams(_ context.Context, rec storage.ParamsRecord) (storage.ParamsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return storage.ParamsRecord{}, riskerr.ErrNotInitialized
	}
	if s.params.Version != rec.Version {
		return storage.ParamsRecord{}, fmt.Errorf("params at version %d: %w", rec.Version, riskerr.ErrVersionConflict)
	}
	next := *s.params
	next.Params = rec.Params
	next.UpdatedAt = rec.UpdatedAt
	next.Version++
	s.params = &next
	return next, nil
}

func (s *Store) GetPosition(_ context.Context, owner string) (health.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[owner]
	if !ok {
		return health.Position{}, fmt.Errorf("position %s: %w", owner, riskerr.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) SavePosition(_ context.Context, p health.Position) (health.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[p.Owner]
	var stored int64
	if ok {
		stored = cur.Version
	}
	if stored != p.Version {
		return health.Position{}, fmt.Errorf("position %s at version %d, stored %d: %w", p.Owner, p.Version, stored, riskerr.ErrVersionConflict)
	}
	p = p.Clone()
	p.Version++
	s.positions[p.Owner] = p
	return p.Clone(), nil
}

func (s *Store) DeletePosition(_ context.Context, owner string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[owner]
	if !ok || cur.Version != version {
		return fmt.Errorf("position %s at version %d: %w", owner, version, riskerr.ErrVersionConflict)
	}
	delete(s.positions, owner)
	return nil
}

func (s *Store) ListOwners(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.positions))
	for o := range s.positions {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetStopLoss(_ context.Context, owner string) (stoploss.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.stopLoss[owner]
	if !ok {
		return stoploss.Config{}, fmt.Errorf("stop-loss for %s: %w", owner, riskerr.ErrNotFound)
	}
	cfg.SwapOrder = append([]string(nil), cfg.SwapOrder...)
	return cfg, nil
}

func (s *Store) PutStopLoss(_ context.Context, owner string, cfg stoploss.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.SwapOrder = append([]string(nil), cfg.SwapOrder...)
	s.stopLoss[owner] = cfg
	return nil
}

func (s *Store) DeleteStopLoss(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopLoss, owner)
	return nil
}

func (s *Store) GetRule(_ context.Context, key policy.Key) (policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[key]
	if !ok {
		return policy.Rule{}, fmt.Errorf("rule %s: %w", key, riskerr.ErrNotFound)
	}
	return r, nil
}

func (s *Store) PutRule(_ context.Context, rule policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Key] = rule
	return nil
}

func (s *Store) DeleteRule(_ context.Context, key policy.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, key)
	return nil
}

func (s *Store) ListRules(_ context.Context, account string) ([]policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Rule, 0)
	for k, r := range s.rules {
		if k.Account == account {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Rule < out[j].Key.Rule })
	return out, nil
}

func (s *Store) AppendPrice(_ context.Context, p oracle.AssetPrice, _ oracle.VolatilityMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[p.Asset] = append(s.prices[p.Asset], p)
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, asset string) (oracle.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.prices[asset]
	if len(all) == 0 {
		return oracle.Snapshot{}, fmt.Errorf("snapshot %s: %w", asset, riskerr.ErrNotFound)
	}
	latest := all[len(all)-1]
	var h oracle.PriceHistory
	for _, p := range all {
		h.Push(p.Price)
	}
	return oracle.Snapshot{
		Latest:  &latest,
		Metrics: &oracle.VolatilityMetrics{Asset: asset, LastUpdated: latest.Timestamp, History: h},
	}, nil
}

func (s *Store) ListPrices(_ context.Context, asset string, from, to time.Time) ([]oracle.AssetPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oracle.AssetPrice, 0)
	for _, p := range s.prices[asset] {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}
