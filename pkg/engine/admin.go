package engine

import (
	"fmt"

	"github.com/google/uuid"

	"exchange/pkg/core"
	"exchange/pkg/ledger"
)

// Funding and instrument lifecycle operations. These are admin-surface
// calls, but they touch the same balances matching settles against, so
// deposits and withdrawals run through the same transaction layer.

// Deposit credits amount of ticker to a user, creating the balance if
// it never existed.
func (e *Engine) Deposit(userID uuid.UUID, ticker string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive, got %d", core.ErrInvalidOrder, amount)
	}
	if err := e.checkFundingTicker(ticker); err != nil {
		return err
	}
	if _, err := e.store.GetUser(userID); err != nil {
		return err
	}
	err := e.store.RunAtomically(func(tx *ledger.Tx) error {
		return tx.AdjustBalance(userID, ticker, amount)
	})
	if err != nil {
		return err
	}
	e.log.Infow("deposit", "user", userID, "ticker", ticker, "amount", amount)
	return nil
}

// Withdraw debits amount of ticker from a user. Fails with
// ErrInsufficientFunds rather than drive the balance negative.
func (e *Engine) Withdraw(userID uuid.UUID, ticker string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive, got %d", core.ErrInvalidOrder, amount)
	}
	if err := e.checkFundingTicker(ticker); err != nil {
		return err
	}
	if _, err := e.store.GetUser(userID); err != nil {
		return err
	}
	err := e.store.RunAtomically(func(tx *ledger.Tx) error {
		return tx.AdjustBalance(userID, ticker, -amount)
	})
	if err != nil {
		return err
	}
	e.log.Infow("withdraw", "user", userID, "ticker", ticker, "amount", amount)
	return nil
}

func (e *Engine) checkFundingTicker(ticker string) error {
	if ticker == e.cash {
		return nil
	}
	_, err := e.store.GetInstrument(ticker)
	return err
}

// CreateInstrument registers a new tradable symbol and opens its book.
func (e *Engine) CreateInstrument(ticker, name string) (*core.Instrument, error) {
	if !core.ValidTicker(ticker) {
		return nil, fmt.Errorf("%w: ticker must be 2-10 uppercase letters, got %q", core.ErrInvalidOrder, ticker)
	}
	if ticker == e.cash {
		return nil, fmt.Errorf("%w: %s is the cash ticker", core.ErrInvalidOrder, ticker)
	}
	if _, err := e.store.GetInstrument(ticker); err == nil {
		return nil, fmt.Errorf("%w: instrument %s already exists", core.ErrInvalidOrder, ticker)
	}
	inst := &core.Instrument{Ticker: ticker, Name: name, Active: true}
	if err := e.store.SaveInstrument(inst); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.shards[ticker]; !ok {
		e.shards[ticker] = &shard{book: core.NewBook(ticker)}
	}
	e.mu.Unlock()

	e.log.Infow("instrument_created", "ticker", ticker, "name", name)
	return inst, nil
}

// DeactivateInstrument soft-deletes an instrument: no new orders are
// admitted, but resting orders stay on the book until matched or
// cancelled.
func (e *Engine) DeactivateInstrument(ticker string) error {
	inst, err := e.store.GetInstrument(ticker)
	if err != nil {
		return err
	}
	if !inst.Active {
		return nil
	}
	inst.Active = false
	if err := e.store.SaveInstrument(inst); err != nil {
		return err
	}
	e.log.Infow("instrument_deactivated", "ticker", ticker)
	return nil
}
