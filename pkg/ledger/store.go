// Package ledger is the exchange's single source of truth: balances,
// orders, trades, instruments and users persisted in Pebble. Mutations
// from matching go through Tx (see tx.go) so a whole match commits or
// rolls back as one batch.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"exchange/pkg/core"
)

// Store wraps a Pebble database. Records are JSON-marshalled under the
// key schema in keys.go.
type Store struct {
	db *pebble.DB

	// commitMu serializes transaction commits; Tx read-set validation
	// happens under it.
	commitMu sync.Mutex
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// get unmarshals the record at key into out. Returns false when absent.
func (s *Store) get(key []byte, out any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) set(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return batch.Set(key, data, nil)
}

// userRecord is the stored form of a user; the key digest rides along
// so deletion can also drop the key index.
type userRecord struct {
	core.User
	KeyDigest string `json:"keyDigest"`
}

// SaveUser persists a user and its API key digest index.
func (s *Store) SaveUser(u *core.User, keyDigest string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.set(batch, userKey(u.ID), userRecord{User: *u, KeyDigest: keyDigest}); err != nil {
		return err
	}
	if err := s.set(batch, apiKeyKey(keyDigest), u.ID); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// GetUser loads a user by id.
func (s *Store) GetUser(id uuid.UUID) (*core.User, error) {
	var rec userRecord
	found, err := s.get(userKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", core.ErrUserNotFound, id)
	}
	return &rec.User, nil
}

// GetUserByKeyDigest resolves an API key digest to its user.
func (s *Store) GetUserByKeyDigest(digest string) (*core.User, error) {
	var id uuid.UUID
	found, err := s.get(apiKeyKey(digest), &id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrUserNotFound
	}
	return s.GetUser(id)
}

// DeleteUser removes a user and its key index. Balances and historical
// orders are kept for audit.
func (s *Store) DeleteUser(id uuid.UUID) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var rec userRecord
	found, err := s.get(userKey(id), &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", core.ErrUserNotFound, id)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(userKey(id), nil); err != nil {
		return err
	}
	if err := batch.Delete(apiKeyKey(rec.KeyDigest), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// FindUserByName scans for a user with the given name. Returns nil
// when absent; names are not unique, the first match wins (used only
// for the admin bootstrap check).
func (s *Store) FindUserByName(name string) (*core.User, error) {
	prefix := []byte(prefixUser)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec userRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if rec.Name == name {
			u := rec.User
			return &u, nil
		}
	}
	return nil, nil
}

// SaveInstrument inserts or updates an instrument.
func (s *Store) SaveInstrument(inst *core.Instrument) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.set(batch, instrumentKey(inst.Ticker), inst); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// GetInstrument loads an instrument by ticker.
func (s *Store) GetInstrument(ticker string) (*core.Instrument, error) {
	var inst core.Instrument
	found, err := s.get(instrumentKey(ticker), &inst)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", core.ErrInstrumentNotFound, ticker)
	}
	return &inst, nil
}

// ListInstruments returns every instrument, active or not, sorted by
// ticker (key order).
func (s *Store) ListInstruments() ([]*core.Instrument, error) {
	prefix := []byte(prefixInstrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*core.Instrument
	for iter.First(); iter.Valid(); iter.Next() {
		var inst core.Instrument
		if err := json.Unmarshal(iter.Value(), &inst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, &inst)
	}
	return out, nil
}

// GetBalance reads a committed balance. Absent means never funded.
func (s *Store) GetBalance(user uuid.UUID, ticker string) (int64, bool, error) {
	var amount int64
	found, err := s.get(balanceKey(user, ticker), &amount)
	if err != nil {
		return 0, false, err
	}
	return amount, found, nil
}

// BalancesForUser returns every balance of a user keyed by ticker.
func (s *Store) BalancesForUser(user uuid.UUID) (map[string]int64, error) {
	prefix := balancePrefix(user)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		ticker := string(iter.Key()[len(prefix):])
		var amount int64
		if err := json.Unmarshal(iter.Value(), &amount); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out[ticker] = amount
	}
	return out, nil
}

// GetOrder loads the authoritative order record.
func (s *Store) GetOrder(id uuid.UUID) (*core.Order, error) {
	var o core.Order
	found, err := s.get(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return &o, nil
}

// OrdersForUser lists a user's orders, oldest first.
func (s *Store) OrdersForUser(user uuid.UUID) ([]*core.Order, error) {
	prefix := userOrderPrefix(user)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*core.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := uuid.Parse(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("bad order index key %s: %w", iter.Key(), err)
		}
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// OpenOrdersForInstrument returns the resting limit orders of a ticker
// in arrival order. Used to rebuild a book after restart.
func (s *Store) OpenOrdersForInstrument(ticker string) ([]*core.Order, error) {
	prefix := openOrderPrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*core.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := uuid.Parse(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("bad open-order index key %s: %w", iter.Key(), err)
		}
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MaxOrderSeq returns the highest arrival sequence across all stored
// orders, terminal ones included, seeding the engine's counter at
// startup. Scanning open orders only would let the counter reuse the
// sequence of a filled or cancelled order.
func (s *Store) MaxOrderSeq() (uint64, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var max uint64
	for iter.First(); iter.Valid(); iter.Next() {
		var o core.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return 0, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if o.Seq > max {
			max = o.Seq
		}
	}
	return max, nil
}

// RecentTrades returns up to limit trades for a ticker, newest first.
func (s *Store) RecentTrades(ticker string, limit int) ([]*core.Trade, error) {
	prefix := tradePrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*core.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, &t)
	}
	return out, nil
}
