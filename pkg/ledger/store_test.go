package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"exchange/pkg/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	u := &core.User{ID: uuid.New(), Name: "alice", Role: core.RoleUser, CreatedAt: time.Now().UnixMilli()}

	require.NoError(t, s.SaveUser(u, "digest-1"))

	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Name, got.Name)

	byKey, err := s.GetUserByKeyDigest("digest-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, byKey.ID)

	byName, err := s.FindUserByName("alice")
	require.NoError(t, err)
	require.NotNil(t, byName)

	missing, err := s.FindUserByName("nobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, s.DeleteUser(u.ID))
	_, err = s.GetUser(u.ID)
	require.ErrorIs(t, err, core.ErrUserNotFound)
	_, err = s.GetUserByKeyDigest("digest-1")
	require.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestBalanceAdjustAndRead(t *testing.T) {
	s := openTestStore(t)
	user := uuid.New()

	// Absent balance reads as zero, not found.
	amount, found, err := s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, amount)

	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		return tx.AdjustBalance(user, "RUB", 1000)
	}))

	amount, found, err = s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1000, amount)

	// Overdraft fails and stages nothing.
	err = s.RunAtomically(func(tx *Tx) error {
		return tx.AdjustBalance(user, "RUB", -1500)
	})
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	amount, _, err = s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.EqualValues(t, 1000, amount)
}

func TestRunAtomicallyRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	user := uuid.New()
	boom := errors.New("boom")

	o := core.NewLimit(user, "MEMCOIN", core.Buy, 50, 10)
	err := s.RunAtomically(func(tx *Tx) error {
		if err := tx.AdjustBalance(user, "RUB", 500); err != nil {
			return err
		}
		tx.SaveOrder(o)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, found, err := s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.False(t, found, "failed tx must write nothing")
	_, err = s.GetOrder(o.ID)
	require.ErrorIs(t, err, core.ErrOrderNotFound)
}

func TestCommitDetectsConcurrentBalanceChange(t *testing.T) {
	s := openTestStore(t)
	user := uuid.New()
	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		return tx.AdjustBalance(user, "RUB", 100)
	}))

	err := s.RunAtomically(func(tx *Tx) error {
		if err := tx.AdjustBalance(user, "RUB", -10); err != nil {
			return err
		}
		// Another writer commits between this tx's read and its commit.
		return s.RunAtomically(func(other *Tx) error {
			return other.AdjustBalance(user, "RUB", 50)
		})
	})
	require.ErrorIs(t, err, core.ErrConcurrencyConflict)

	amount, _, err := s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.EqualValues(t, 150, amount, "only the interleaved commit may land")
}

func TestTxBalanceSeesStagedWrites(t *testing.T) {
	s := openTestStore(t)
	user := uuid.New()

	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		if err := tx.AdjustBalance(user, "RUB", 100); err != nil {
			return err
		}
		amount, err := tx.Balance(user, "RUB")
		if err != nil {
			return err
		}
		require.EqualValues(t, 100, amount)
		// Second adjustment compounds on the staged value.
		if err := tx.AdjustBalance(user, "RUB", -30); err != nil {
			return err
		}
		amount, err = tx.Balance(user, "RUB")
		require.EqualValues(t, 70, amount)
		return err
	}))

	amount, _, err := s.GetBalance(user, "RUB")
	require.NoError(t, err)
	require.EqualValues(t, 70, amount)
}

func TestOpenOrderIndexFollowsStatus(t *testing.T) {
	s := openTestStore(t)
	user := uuid.New()

	o1 := core.NewLimit(user, "MEMCOIN", core.Buy, 50, 10)
	o1.Seq = 1
	o2 := core.NewLimit(user, "MEMCOIN", core.Sell, 60, 5)
	o2.Seq = 2
	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		tx.SaveOrder(o1)
		tx.SaveOrder(o2)
		return nil
	}))

	open, err := s.OpenOrdersForInstrument("MEMCOIN")
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, o1.ID, open[0].ID, "arrival order by Seq")

	maxSeq, err := s.MaxOrderSeq()
	require.NoError(t, err)
	require.EqualValues(t, 2, maxSeq)

	// Market orders never rest, so they never enter the open index,
	// whatever their status.
	mkt := core.NewMarket(user, "MEMCOIN", core.Buy, 3)
	mkt.Seq = 3
	mkt.Filled = 1
	mkt.Status = core.StatusPartiallyFilled
	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		tx.SaveOrder(mkt)
		return nil
	}))

	open, err = s.OpenOrdersForInstrument("MEMCOIN")
	require.NoError(t, err)
	require.Len(t, open, 2)

	// Terminal orders leave the open index but stay readable.
	o1.Status = core.StatusCancelled
	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		tx.SaveOrder(o1)
		return nil
	}))

	open, err = s.OpenOrdersForInstrument("MEMCOIN")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, o2.ID, open[0].ID)

	kept, err := s.GetOrder(o1.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusCancelled, kept.Status)

	// The sequence counter covers cancelled orders and market takers
	// that never made the open index.
	maxSeq, err = s.MaxOrderSeq()
	require.NoError(t, err)
	require.EqualValues(t, 3, maxSeq)

	mine, err := s.OrdersForUser(user)
	require.NoError(t, err)
	require.Len(t, mine, 3)
}

func TestRecentTradesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UnixMilli()

	require.NoError(t, s.RunAtomically(func(tx *Tx) error {
		for i := int64(0); i < 5; i++ {
			tx.SaveTrade(&core.Trade{
				ID:        uuid.New(),
				Ticker:    "MEMCOIN",
				Price:     50 + i,
				Qty:       1,
				TakerSide: core.Buy,
				Timestamp: base + i,
			})
		}
		return nil
	}))

	trades, err := s.RecentTrades("MEMCOIN", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	require.EqualValues(t, 54, trades[0].Price, "newest trade first")
	require.EqualValues(t, 52, trades[2].Price)

	all, err := s.RecentTrades("MEMCOIN", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	none, err := s.RecentTrades("OTHER", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestInstrumentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetInstrument("MEMCOIN")
	require.ErrorIs(t, err, core.ErrInstrumentNotFound)

	require.NoError(t, s.SaveInstrument(&core.Instrument{Ticker: "MEMCOIN", Name: "Memcoin", Active: true}))
	inst, err := s.GetInstrument("MEMCOIN")
	require.NoError(t, err)
	require.True(t, inst.Active)

	insts, err := s.ListInstruments()
	require.NoError(t, err)
	require.Len(t, insts, 1)
}
