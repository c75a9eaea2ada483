// Package engine implements matching and settlement: given an admitted
// order and the instrument's book, it determines the fills, moves
// balances and records trades in one atomic ledger transaction, then
// updates the derived book index.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exchange/pkg/core"
	"exchange/pkg/ledger"
)

// conflictRetries bounds how often a Submit/Cancel is re-run when the
// store reports a conflicting concurrent commit. The whole transaction
// is retried from the top; partial retries are never safe.
const conflictRetries = 3

// OrderRequest is an admitted-but-unbuilt order from the API layer.
// Price must be zero unless Type is Limit.
type OrderRequest struct {
	Ticker string
	Side   core.Side
	Type   core.OrderType
	Qty    int64
	Price  int64
}

// shard is the single-writer lane of one instrument: its book and the
// mutex every Submit/Cancel for the ticker serializes on. Matching for
// different instruments runs concurrently.
type shard struct {
	mu   sync.Mutex
	book *core.Book
}

// Engine matches orders against per-instrument books and settles fills
// through the ledger.
type Engine struct {
	store *ledger.Store
	log   *zap.SugaredLogger
	cash  string // ticker of the cash leg, e.g. "RUB"

	seq atomic.Uint64 // venue-wide arrival sequence

	mu     sync.RWMutex
	shards map[string]*shard

	// OnTrade and OnBookChange feed the market-data surface. Invoked
	// after commit, outside the ledger transaction and the shard lock,
	// so a callback may call back into the engine (Snapshot does).
	OnTrade      func(t *core.Trade)
	OnBookChange func(ticker string)
}

// New builds an engine and rebuilds every instrument's book from the
// store's resting limit orders. The books are derived indexes; the
// ledger stays the single source of truth.
func New(store *ledger.Store, log *zap.SugaredLogger, cashTicker string) (*Engine, error) {
	e := &Engine{
		store:  store,
		log:    log,
		cash:   cashTicker,
		shards: make(map[string]*shard),
	}
	maxSeq, err := store.MaxOrderSeq()
	if err != nil {
		return nil, fmt.Errorf("restore sequence: %w", err)
	}
	e.seq.Store(maxSeq)

	insts, err := store.ListInstruments()
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	for _, inst := range insts {
		sh := &shard{book: core.NewBook(inst.Ticker)}
		open, err := store.OpenOrdersForInstrument(inst.Ticker)
		if err != nil {
			return nil, fmt.Errorf("restore book %s: %w", inst.Ticker, err)
		}
		for _, o := range open {
			if err := sh.book.Insert(o); err != nil {
				return nil, fmt.Errorf("restore book %s: order %s: %w", inst.Ticker, o.ID, err)
			}
		}
		e.shards[inst.Ticker] = sh
		log.Infow("book_restored", "ticker", inst.Ticker, "resting_orders", sh.book.Len())
	}
	return e, nil
}

// CashTicker returns the ticker of the cash leg.
func (e *Engine) CashTicker() string { return e.cash }

func (e *Engine) shardFor(ticker string) (*shard, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sh, ok := e.shards[ticker]
	return sh, ok
}

// Submit runs an order through admission and matching and returns its
// post-match state with the trades it generated. On any error nothing
// is persisted: a rejected submission leaves zero durable side effects.
func (e *Engine) Submit(userID uuid.UUID, req OrderRequest) (*core.Order, []*core.Trade, error) {
	sh, ok := e.shardFor(req.Ticker)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrInstrumentNotFound, req.Ticker)
	}

	order, trades, err := e.submitLocked(sh, userID, req)
	if err != nil {
		return nil, nil, err
	}

	if e.OnTrade != nil {
		for _, t := range trades {
			e.OnTrade(t)
		}
	}
	if e.OnBookChange != nil {
		e.OnBookChange(order.Ticker)
	}
	return order, trades, nil
}

// submitLocked does the admission/match/apply work under the shard
// mutex. Callbacks stay in Submit: firing them with the lock held would
// deadlock any callback that reads the book.
func (e *Engine) submitLocked(sh *shard, userID uuid.UUID, req OrderRequest) (*core.Order, []*core.Trade, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	order, err := e.admit(userID, req, sh.book)
	if err != nil {
		return nil, nil, err
	}

	var trades []*core.Trade
	var ops []bookOp
	for attempt := 0; ; attempt++ {
		trades, ops = nil, nil
		err = e.store.RunAtomically(func(tx *ledger.Tx) error {
			var txErr error
			trades, ops, txErr = e.match(tx, order, sh.book)
			return txErr
		})
		if err == nil {
			break
		}
		if errors.Is(err, core.ErrConcurrencyConflict) && attempt < conflictRetries {
			// Full restart: drop every fill computed in the failed
			// attempt before matching again.
			order.Filled = 0
			order.Status = core.StatusNew
			e.log.Warnw("match_conflict_retry", "order", order.ID, "attempt", attempt+1)
			continue
		}
		return nil, nil, err
	}

	for _, op := range ops {
		op.apply(sh.book)
	}

	e.log.Infow("order_submitted",
		"order", order.ID, "user", userID, "ticker", order.Ticker,
		"side", order.Side.String(), "type", order.Type.String(),
		"qty", order.Qty, "filled", order.Filled, "status", order.Status.String(),
		"trades", len(trades))
	return order, trades, nil
}

// bookOp is a staged mutation of the in-memory book, applied only after
// the ledger transaction committed. A failed match leaves the book
// untouched.
type bookOp struct {
	insert *core.Order // resting taker residual
	reduce uuid.UUID   // maker entry to shrink
	qty    int64
}

func (op bookOp) apply(b *core.Book) {
	if op.insert != nil {
		// Insert can only fail on a malformed order; matching already
		// guaranteed remaining > 0 on the right book.
		_ = b.Insert(op.insert)
		return
	}
	b.Reduce(op.reduce, op.qty)
}

// match consumes liquidity for the taker inside tx. The maker's
// standing price always governs the execution price: the earlier-posted
// order set the terms, for limit and market takers alike.
func (e *Engine) match(tx *ledger.Tx, taker *core.Order, book *core.Book) ([]*core.Trade, []bookOp, error) {
	remaining := taker.Remaining()
	if remaining <= 0 {
		tx.SaveOrder(taker)
		return nil, nil, nil
	}

	var trades []*core.Trade
	var ops []bookOp
	for entry := range book.Opposing(taker.Side, taker.Price, taker.Type == core.Limit) {
		if remaining <= 0 {
			break
		}
		maker, err := tx.Order(entry.ID)
		if err != nil {
			return nil, nil, err
		}
		if maker.IsTerminal() || maker.Remaining() <= 0 {
			continue // stale book entry; the record is authoritative
		}

		qty := min(remaining, maker.Remaining())
		price := maker.Price

		if err := settleFill(tx, e.cash, taker, maker, price, qty); err != nil {
			return nil, nil, err
		}

		now := time.Now().UnixMilli()
		taker.Filled += qty
		maker.Filled += qty
		remaining -= qty
		taker.Status = statusAfterFill(taker)
		maker.Status = statusAfterFill(maker)
		taker.UpdatedAt = now
		maker.UpdatedAt = now
		tx.SaveOrder(maker)

		trade := &core.Trade{
			ID:        uuid.New(),
			Ticker:    taker.Ticker,
			Price:     price,
			Qty:       qty,
			TakerSide: taker.Side,
			Timestamp: now,
		}
		if taker.Side == core.Buy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, maker.ID
		} else {
			trade.BuyOrderID, trade.SellOrderID = maker.ID, taker.ID
		}
		tx.SaveTrade(trade)
		trades = append(trades, trade)
		ops = append(ops, bookOp{reduce: entry.ID, qty: qty})
	}

	// A limit residual becomes resting liquidity. A market residual is
	// discarded: market orders execute only against liquidity available
	// now and never rest.
	if taker.Type == core.Limit && remaining > 0 {
		cp := *taker
		ops = append(ops, bookOp{insert: &cp})
	}
	tx.SaveOrder(taker)
	return trades, ops, nil
}

func statusAfterFill(o *core.Order) core.OrderStatus {
	switch {
	case o.Filled >= o.Qty:
		return core.StatusFilled
	case o.Filled > 0:
		return core.StatusPartiallyFilled
	default:
		return core.StatusNew
	}
}

// Cancel transitions a resting order to Cancelled. The requesting user
// must own the order; unknown ids and foreign orders both report
// ErrOrderNotFound. Cancelling a terminal order fails with
// ErrOrderNotCancellable. The shard mutex serializes cancels against
// in-flight matches for the same instrument.
func (e *Engine) Cancel(orderID, userID uuid.UUID) (*core.Order, error) {
	committed, err := e.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if committed.UserID != userID {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	sh, ok := e.shardFor(committed.Ticker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrInstrumentNotFound, committed.Ticker)
	}

	cancelled, err := e.cancelLocked(sh, orderID)
	if err != nil {
		return nil, err
	}

	e.log.Infow("order_cancelled", "order", orderID, "user", userID, "ticker", cancelled.Ticker)
	if e.OnBookChange != nil {
		e.OnBookChange(cancelled.Ticker)
	}
	return cancelled, nil
}

func (e *Engine) cancelLocked(sh *shard, orderID uuid.UUID) (*core.Order, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cancelled *core.Order
	err := e.store.RunAtomically(func(tx *ledger.Tx) error {
		o, err := tx.Order(orderID)
		if err != nil {
			return err
		}
		if o.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", core.ErrOrderNotCancellable, orderID, o.Status)
		}
		o.Status = core.StatusCancelled
		o.UpdatedAt = time.Now().UnixMilli()
		tx.SaveOrder(o)
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	sh.book.Remove(orderID)
	return cancelled, nil
}

// Snapshot returns the aggregated price levels of a book, best price
// first on both sides. depth <= 0 returns every level.
func (e *Engine) Snapshot(ticker string, depth int) (bids, asks []core.PriceLevel, err error) {
	sh, ok := e.shardFor(ticker)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrInstrumentNotFound, ticker)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.book.Levels(core.Buy, depth), sh.book.Levels(core.Sell, depth), nil
}
