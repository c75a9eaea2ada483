package engine

import (
	"exchange/pkg/core"
	"exchange/pkg/ledger"
)

// settleFill realizes one fill's economic effect inside tx: the buyer
// pays qty*price cash to the seller, the seller delivers qty of the
// instrument to the buyer. Four staged balance moves, committed
// atomically with the order and trade updates of the enclosing match.
//
// Balances are created lazily at zero. The cash debit and the
// instrument debit both re-check sufficiency even though admission
// pre-checked the full order: pre-checks can go stale under
// concurrency, and a tripped guard aborts the whole match transaction.
//
// A self-trade (taker and maker owned by the same user) settles like
// any other fill; the debits and credits cancel out.
func settleFill(tx *ledger.Tx, cash string, taker, maker *core.Order, price, qty int64) error {
	buyer, seller := taker, maker
	if taker.Side == core.Sell {
		buyer, seller = maker, taker
	}
	notional := qty * price

	if err := tx.AdjustBalance(buyer.UserID, cash, -notional); err != nil {
		return err
	}
	if err := tx.AdjustBalance(seller.UserID, cash, notional); err != nil {
		return err
	}
	if err := tx.AdjustBalance(seller.UserID, taker.Ticker, -qty); err != nil {
		return err
	}
	return tx.AdjustBalance(buyer.UserID, taker.Ticker, qty)
}
