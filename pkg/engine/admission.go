package engine

import (
	"fmt"

	"github.com/google/uuid"

	"exchange/pkg/core"
)

// admit validates an order request and pre-checks funds against the
// full order size, then builds the canonical order. Matching assumes
// its preconditions hold: quantity > 0, and price > 0 iff limit.
// Settlement re-checks balances inside the transaction, so a stale
// pre-check can never corrupt state, only surface later as
// ErrInsufficientFunds.
//
// Called with the instrument's shard lock held.
func (e *Engine) admit(userID uuid.UUID, req OrderRequest, book *core.Book) (*core.Order, error) {
	inst, err := e.store.GetInstrument(req.Ticker)
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, fmt.Errorf("%w: instrument %s is deactivated", core.ErrInvalidOrder, req.Ticker)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", core.ErrInvalidOrder, req.Qty)
	}
	switch req.Type {
	case core.Limit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("%w: limit price must be positive, got %d", core.ErrInvalidOrder, req.Price)
		}
	case core.Market:
		if req.Price != 0 {
			return nil, fmt.Errorf("%w: market order cannot carry a price", core.ErrInvalidOrder)
		}
	default:
		return nil, fmt.Errorf("%w: bad order type %d", core.ErrInvalidOrder, req.Type)
	}

	required, requiredTicker := e.requiredFunds(req, book)
	have, _, err := e.store.GetBalance(userID, requiredTicker)
	if err != nil {
		return nil, err
	}
	if have < required {
		return nil, fmt.Errorf("%w: need %d %s, have %d",
			core.ErrInsufficientFunds, required, requiredTicker, have)
	}

	var o *core.Order
	if req.Type == core.Limit {
		o = core.NewLimit(userID, req.Ticker, req.Side, req.Price, req.Qty)
	} else {
		o = core.NewMarket(userID, req.Ticker, req.Side, req.Qty)
	}
	o.Seq = e.seq.Add(1)
	return o, nil
}

// requiredFunds computes the pre-check threshold. A sell must hold the
// full quantity of the instrument. A limit buy must hold qty*price
// cash. A market buy has no price of its own, so the cost of walking
// the current asks for the quantity is estimated; the unfillable tail
// of a market order costs nothing because it is discarded, never
// rested.
func (e *Engine) requiredFunds(req OrderRequest, book *core.Book) (int64, string) {
	if req.Side == core.Sell {
		return req.Qty, req.Ticker
	}
	if req.Type == core.Limit {
		return req.Qty * req.Price, e.cash
	}

	var cost, need int64
	need = req.Qty
	for entry := range book.Opposing(core.Buy, 0, false) {
		if need <= 0 {
			break
		}
		qty := min(need, entry.Remaining)
		cost += qty * entry.Price
		need -= qty
	}
	return cost, e.cash
}
