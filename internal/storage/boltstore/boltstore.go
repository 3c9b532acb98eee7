// Package boltstore is an embedded storage.Repository backed by a single
// bbolt file, for keeper deployments without PostgreSQL.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
	"collateral-risk/internal/storage"
)

var (
	bucketMeta      = []byte("meta")
	bucketPositions = []byte("positions")
	bucketStopLoss  = []byte("stop_loss")
	bucketRules     = []byte("borrow_limits")
	bucketPrices    = []byte("prices")

	keyParams = []byte("params")
)

// Store persists records as JSON documents.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[int64]bool
}

var _ storage.Repository = (*Store)(nil)

type priceRecord struct {
	Asset     string    `json:"asset"`
	Price     fixed.Int `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Open opens (and migrates) the database at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketPositions, bucketStopLoss, bucketRules, bucketPrices} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, locks: make(map[int64]bool)}, nil
}

// Close releases the file handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TryAdvisoryLock is process local; bbolt already holds an exclusive file
// lock so no second process can share the database.
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

func get[T any](b *bolt.Bucket, key []byte, out *T) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func put(b *bolt.Bucket, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put(key, encoded)
}

func (s *Store) InitParams(_ context.Context, rec storage.ParamsRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b.Get(keyParams) != nil {
			return riskerr.ErrAlreadyInitialized
		}
		rec.Version = 1
		return put(b, keyParams, rec)
	})
}

func (s *Store) LoadParams(context.Context) (storage.ParamsRecord, error) {
	var rec storage.ParamsRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketMeta), keyParams, &rec)
		if err != nil {
			return err
		}
		if !ok {
			return riskerr.ErrNotInitialized
		}
		return nil
	})
	return rec, err
}

func (s *Store) UpdateParams(_ context.Context, rec storage.ParamsRecord) (storage.ParamsRecord, error) {
	var next storage.ParamsRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		ok, err := get(b, keyParams, &next)
		if err != nil {
			return err
		}
		if !ok {
			return riskerr.ErrNotInitialized
		}
		if next.Version != rec.Version {
			return fmt.Errorf("params at version %d, stored %d: %w", rec.Version, next.Version, riskerr.ErrVersionConflict)
		}
		next.Params = rec.Params
		next.UpdatedAt = rec.UpdatedAt
		next.Version++
		return put(b, keyParams, next)
	})
	if err != nil {
		return storage.ParamsRecord{}, err
	}
	return next, nil
}

func (s *Store) GetPosition(_ context.Context, owner string) (health.Position, error) {
	var p health.Position
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketPositions), []byte(owner), &p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("position %s: %w", owner, riskerr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return health.Position{}, err
	}
	if p.Collateral == nil {
		p.Collateral = map[string]fixed.Int{}
	}
	return p, nil
}

func (s *Store) SavePosition(_ context.Context, p health.Position) (health.Position, error) {
	out := p.Clone()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		var cur health.Position
		ok, err := get(b, []byte(p.Owner), &cur)
		if err != nil {
			return err
		}
		var stored int64
		if ok {
			stored = cur.Version
		}
		if stored != p.Version {
			return fmt.Errorf("position %s at version %d, stored %d: %w", p.Owner, p.Version, stored, riskerr.ErrVersionConflict)
		}
		out.Version++
		return put(b, []byte(p.Owner), out)
	})
	if err != nil {
		return health.Position{}, err
	}
	return out, nil
}

func (s *Store) DeletePosition(_ context.Context, owner string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		var cur health.Position
		ok, err := get(b, []byte(owner), &cur)
		if err != nil {
			return err
		}
		if !ok || cur.Version != version {
			return fmt.Errorf("position %s at version %d: %w", owner, version, riskerr.ErrVersionConflict)
		}
		return b.Delete([]byte(owner))
	})
}

func (s *Store) ListOwners(context.Context) ([]string, error) {
	out := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPositions).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (s *Store) GetStopLoss(_ context.Context, owner string) (stoploss.Config, error) {
	var cfg stoploss.Config
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketStopLoss), []byte(owner), &cfg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stop-loss for %s: %w", owner, riskerr.ErrNotFound)
		}
		return nil
	})
	return cfg, err
}

func (s *Store) PutStopLoss(_ context.Context, owner string, cfg stoploss.Config) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketStopLoss), []byte(owner), cfg)
	})
}

func (s *Store) DeleteStopLoss(_ context.Context, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStopLoss).Delete([]byte(owner))
	})
}

// Rule keys are account, NUL, rule so one account's rules share a prefix.
func ruleKey(k policy.Key) []byte {
	return append(append([]byte(k.Account), 0), k.Rule...)
}

func (s *Store) GetRule(_ context.Context, key policy.Key) (policy.Rule, error) {
	var r policy.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketRules), ruleKey(key), &r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rule %s: %w", key, riskerr.ErrNotFound)
		}
		return nil
	})
	return r, err
}

func (s *Store) PutRule(_ context.Context, rule policy.Rule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketRules), ruleKey(rule.Key), rule)
	})
}

func (s *Store) DeleteRule(_ context.Context, key policy.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Delete(ruleKey(key))
	})
}

func (s *Store) ListRules(_ context.Context, account string) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0)
	prefix := append([]byte(account), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRules).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r policy.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode rule %q: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Price keys are big-endian unix nanoseconds inside a per-asset bucket, so
// cursor order is time order.
func timeKey(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano()))
	return k[:]
}

func (s *Store) AppendPrice(_ context.Context, p oracle.AssetPrice, _ oracle.VolatilityMetrics) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketPrices).CreateBucketIfNotExists([]byte(p.Asset))
		if err != nil {
			return err
		}
		return put(b, timeKey(p.Timestamp), priceRecord{
			Asset:     p.Asset,
			Price:     p.Price,
			Timestamp: p.Timestamp,
			Source:    p.Source,
		})
	})
}

func (r priceRecord) asset() oracle.AssetPrice {
	return oracle.AssetPrice{Asset: r.Asset, Price: r.Price, Timestamp: r.Timestamp, Source: r.Source}
}

func (s *Store) LoadSnapshot(_ context.Context, asset string) (oracle.Snapshot, error) {
	newest := make([]priceRecord, 0, oracle.HistoryCapacity)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrices).Bucket([]byte(asset))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(newest) < oracle.HistoryCapacity; k, v = c.Prev() {
			var r priceRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode price %s: %w", asset, err)
			}
			newest = append(newest, r)
		}
		return nil
	})
	if err != nil {
		return oracle.Snapshot{}, err
	}
	if len(newest) == 0 {
		return oracle.Snapshot{}, fmt.Errorf("snapshot %s: %w", asset, riskerr.ErrNotFound)
	}
	prices := make([]fixed.Int, len(newest))
	for i, r := range newest {
		prices[len(newest)-1-i] = r.Price
	}
	latest := newest[0].asset()
	return oracle.Snapshot{
		Latest: &latest,
		Metrics: &oracle.VolatilityMetrics{
			Asset:       asset,
			LastUpdated: latest.Timestamp,
			History:     oracle.NewPriceHistory(prices),
		},
	}, nil
}

func (s *Store) ListPrices(_ context.Context, asset string, from, to time.Time) ([]oracle.AssetPrice, error) {
	out := make([]oracle.AssetPrice, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrices).Bucket([]byte(asset))
		if b == nil {
			return nil
		}
		end := timeKey(to)
		c := b.Cursor()
		for k, v := c.Seek(timeKey(from)); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
			var r priceRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode price %s: %w", asset, err)
			}
			out = append(out, r.asset())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
