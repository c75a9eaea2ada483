package core

import (
	"container/heap"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"
)

// Entry is a book-side reference to a resting order: id plus the few
// fields matching needs. The authoritative record lives in the ledger;
// the book is a derived index rebuildable from the store's non-terminal
// orders, so entries hold ids, never the record itself.
type Entry struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Price     int64
	Remaining int64
	Seq       uint64
}

// PriceLevel is one aggregated row of the L2 snapshot.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

type location struct {
	price int64
	side  Side
}

// Book holds the resting orders of a single instrument with price-time
// priority: best price first, strict FIFO within a level. Maker
// priority is not refreshed on partial fills. The book is not
// internally locked; the engine serializes all access per instrument.
type Book struct {
	ticker string

	bidPrices *priceHeap
	askPrices *priceHeap
	bids      map[int64][]*Entry // price -> FIFO queue
	asks      map[int64][]*Entry

	byID map[uuid.UUID]location
}

// NewBook creates an empty book for ticker.
func NewBook(ticker string) *Book {
	b := &Book{
		ticker:    ticker,
		bidPrices: &priceHeap{max: true},
		askPrices: &priceHeap{max: false},
		bids:      make(map[int64][]*Entry),
		asks:      make(map[int64][]*Entry),
		byID:      make(map[uuid.UUID]location),
	}
	heap.Init(b.bidPrices)
	heap.Init(b.askPrices)
	return b
}

// Ticker returns the instrument this book indexes.
func (b *Book) Ticker() string { return b.ticker }

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int { return len(b.byID) }

// Insert adds a non-terminal order to its side of the book. Only limit
// orders rest, and only with quantity remaining.
func (b *Book) Insert(o *Order) error {
	if o.Ticker != b.ticker {
		return fmt.Errorf("%w: order ticker %s on book %s", ErrInvalidOrder, o.Ticker, b.ticker)
	}
	if o.Type != Limit {
		return fmt.Errorf("%w: market orders never rest", ErrInvalidOrder)
	}
	if o.Remaining() <= 0 {
		return fmt.Errorf("%w: no quantity remaining", ErrInvalidOrder)
	}
	if _, dup := b.byID[o.ID]; dup {
		return fmt.Errorf("%w: order %s already resting", ErrInvalidOrder, o.ID)
	}

	e := &Entry{ID: o.ID, UserID: o.UserID, Price: o.Price, Remaining: o.Remaining(), Seq: o.Seq}
	side, prices := b.sideOf(o.Side)
	if len(side[e.Price]) == 0 {
		heap.Push(prices, e.Price)
	}
	side[e.Price] = append(side[e.Price], e)
	b.byID[o.ID] = location{price: e.Price, side: o.Side}
	return nil
}

// Remove drops an order from the book. No-op if absent.
func (b *Book) Remove(id uuid.UUID) bool {
	loc, ok := b.byID[id]
	if !ok {
		return false
	}
	side, prices := b.sideOf(loc.side)
	queue := side[loc.price]
	for i, e := range queue {
		if e.ID == id {
			side[loc.price] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(side[loc.price]) == 0 {
		delete(side, loc.price)
		if i := prices.indexOf(loc.price); i >= 0 {
			heap.Remove(prices, i)
		}
	}
	delete(b.byID, id)
	return true
}

// Reduce decrements an entry's remaining quantity after a partial or
// full fill, removing it once exhausted. The entry keeps its queue
// position: priority is not refreshed on partial fills.
func (b *Book) Reduce(id uuid.UUID, qty int64) {
	loc, ok := b.byID[id]
	if !ok {
		return
	}
	side, _ := b.sideOf(loc.side)
	for _, e := range side[loc.price] {
		if e.ID == id {
			e.Remaining -= qty
			if e.Remaining <= 0 {
				b.Remove(id)
			}
			return
		}
	}
}

// Opposing walks the candidates a taker can trade against, best price
// first and FIFO within a level, filtered to acceptable prices: for a
// buy taker, asks at or below its limit; for a sell taker, bids at or
// above it. With hasLimit false (market taker) every opposing order is
// eligible. The sequence is lazy and restartable; entries are yielded
// by value. The book must not be mutated during a walk.
func (b *Book) Opposing(taker Side, limit int64, hasLimit bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		side, prices := b.sideOf(taker.Opposite())
		sorted := slices.Clone(prices.xs)
		slices.Sort(sorted)
		if taker == Sell {
			slices.Reverse(sorted) // bids: highest first
		}
		for _, p := range sorted {
			if hasLimit {
				if taker == Buy && p > limit {
					return
				}
				if taker == Sell && p < limit {
					return
				}
			}
			for _, e := range side[p] {
				if !yield(*e) {
					return
				}
			}
		}
	}
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (int64, bool) { return b.bidPrices.peek() }

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (int64, bool) { return b.askPrices.peek() }

// Levels aggregates one side into at most depth price levels, best
// price first. depth <= 0 means all levels.
func (b *Book) Levels(s Side, depth int) []PriceLevel {
	side, prices := b.sideOf(s)
	sorted := slices.Clone(prices.xs)
	slices.Sort(sorted)
	if s == Buy {
		slices.Reverse(sorted)
	}
	levels := make([]PriceLevel, 0, len(sorted))
	for _, p := range sorted {
		var total int64
		for _, e := range side[p] {
			total += e.Remaining
		}
		levels = append(levels, PriceLevel{Price: p, Qty: total})
		if depth > 0 && len(levels) >= depth {
			break
		}
	}
	return levels
}

func (b *Book) sideOf(s Side) (map[int64][]*Entry, *priceHeap) {
	if s == Buy {
		return b.bids, b.bidPrices
	}
	return b.asks, b.askPrices
}
