package ledger

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"exchange/pkg/core"
)

// balSnapshot is the committed state of a balance when a transaction
// first touched it; re-validated at commit.
type balSnapshot struct {
	user   uuid.UUID
	ticker string
	amount int64
	found  bool
}

// Tx stages the mutations of one atomic unit of work: a match, a
// cancel, a deposit. Nothing reaches Pebble until commit, and commit
// writes a single synced batch, so either every staged row lands or
// none does.
//
// Balance reads are validated optimistically: the committed amount seen
// inside the transaction must still hold at commit, otherwise the whole
// transaction fails with ErrConcurrencyConflict and the caller may
// retry from the top. Order rows need no read validation because the
// engine already serializes all order traffic per instrument.
type Tx struct {
	s *Store

	baseBalances   map[string]balSnapshot // key -> committed state observed
	stagedBalances map[string]int64       // key -> staged absolute amount
	stagedOrders   map[uuid.UUID]*core.Order
	stagedTrades   []*core.Trade
}

// RunAtomically executes fn inside a transaction. If fn returns an
// error the staged state is discarded untouched and the error is
// returned; otherwise the transaction commits as one batch.
func (s *Store) RunAtomically(fn func(tx *Tx) error) error {
	tx := &Tx{
		s:              s,
		baseBalances:   make(map[string]balSnapshot),
		stagedBalances: make(map[string]int64),
		stagedOrders:   make(map[uuid.UUID]*core.Order),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Balance reads a balance as this transaction sees it: staged value if
// written, committed value otherwise. Absent balances read as zero.
func (tx *Tx) Balance(user uuid.UUID, ticker string) (int64, error) {
	key := string(balanceKey(user, ticker))
	if amount, ok := tx.stagedBalances[key]; ok {
		return amount, nil
	}
	snap, err := tx.base(user, ticker)
	if err != nil {
		return 0, err
	}
	return snap.amount, nil
}

// AdjustBalance stages amount += delta, creating the balance at zero if
// it never existed. A delta that would drive the amount negative fails
// with ErrInsufficientFunds and stages nothing.
func (tx *Tx) AdjustBalance(user uuid.UUID, ticker string, delta int64) error {
	cur, err := tx.Balance(user, ticker)
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		return fmt.Errorf("%w: user %s has %d %s, needs %d", core.ErrInsufficientFunds, user, cur, ticker, -delta)
	}
	tx.stagedBalances[string(balanceKey(user, ticker))] = next
	return nil
}

func (tx *Tx) base(user uuid.UUID, ticker string) (balSnapshot, error) {
	key := string(balanceKey(user, ticker))
	if snap, ok := tx.baseBalances[key]; ok {
		return snap, nil
	}
	amount, found, err := tx.s.GetBalance(user, ticker)
	if err != nil {
		return balSnapshot{}, err
	}
	snap := balSnapshot{user: user, ticker: ticker, amount: amount, found: found}
	tx.baseBalances[key] = snap
	return snap, nil
}

// Order loads an order as this transaction sees it. The returned value
// is a private copy; mutations become durable only through SaveOrder.
func (tx *Tx) Order(id uuid.UUID) (*core.Order, error) {
	if staged, ok := tx.stagedOrders[id]; ok {
		cp := *staged
		return &cp, nil
	}
	o, err := tx.s.GetOrder(id)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// SaveOrder stages an insert-or-update of the order record.
func (tx *Tx) SaveOrder(o *core.Order) {
	cp := *o
	tx.stagedOrders[o.ID] = &cp
}

// SaveTrade stages an immutable trade record.
func (tx *Tx) SaveTrade(t *core.Trade) {
	cp := *t
	tx.stagedTrades = append(tx.stagedTrades, &cp)
}

func (tx *Tx) commit() error {
	tx.s.commitMu.Lock()
	defer tx.s.commitMu.Unlock()

	// Validate the read set: every balance this transaction based its
	// arithmetic on must be unchanged in committed state.
	for _, snap := range tx.baseBalances {
		amount, found, err := tx.s.GetBalance(snap.user, snap.ticker)
		if err != nil {
			return err
		}
		if amount != snap.amount || found != snap.found {
			return fmt.Errorf("%w: balance %s/%s moved %d -> %d",
				core.ErrConcurrencyConflict, snap.user, snap.ticker, snap.amount, amount)
		}
	}

	batch := tx.s.db.NewBatch()
	defer batch.Close()

	for key, amount := range tx.stagedBalances {
		if err := tx.s.set(batch, []byte(key), amount); err != nil {
			return err
		}
	}
	for _, o := range tx.stagedOrders {
		if err := tx.s.set(batch, orderKey(o.ID), o); err != nil {
			return err
		}
		if err := tx.s.set(batch, userOrderKey(o.UserID, o.ID), o.ID); err != nil {
			return err
		}
		// Keep the open-order index in step with the order's state so
		// books can always be rebuilt from a scan. Only limit orders are
		// indexed: market orders never rest, so a market residual must
		// not reappear on a restored book.
		if o.Type == core.Limit && !o.IsTerminal() {
			if err := tx.s.set(batch, openOrderKey(o.Ticker, o.ID), o.ID); err != nil {
				return err
			}
		} else if err := batch.Delete(openOrderKey(o.Ticker, o.ID), nil); err != nil {
			return err
		}
	}
	for _, t := range tx.stagedTrades {
		if err := tx.s.set(batch, tradeKey(t.Ticker, t.Timestamp, t.ID), t); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}
