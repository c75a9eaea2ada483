package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Pebble key schema. Prefix-based so every read surface is one range
// scan: balances per user, open orders per instrument, trades per
// instrument in time order (zero-padded ms timestamps sort
// lexicographically).
const (
	prefixUser       = "usr:"  // user record
	prefixAPIKey     = "key:"  // sha3 digest of API key -> user id
	prefixInstrument = "inst:" // instrument record
	prefixBalance    = "bal:"  // bal:{user}:{ticker} -> amount
	prefixOrder      = "ord:"  // authoritative order record
	prefixUserOrder  = "uord:" // uord:{user}:{order} index
	prefixOpenOrder  = "iord:" // iord:{ticker}:{order} non-terminal index
	prefixTrade      = "trd:"  // trd:{ticker}:{ts:020d}:{id}
)

func userKey(id uuid.UUID) []byte {
	return []byte(prefixUser + id.String())
}

func apiKeyKey(digest string) []byte {
	return []byte(prefixAPIKey + digest)
}

func instrumentKey(ticker string) []byte {
	return []byte(prefixInstrument + ticker)
}

func balanceKey(user uuid.UUID, ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, user, ticker))
}

func balancePrefix(user uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, user))
}

func orderKey(id uuid.UUID) []byte {
	return []byte(prefixOrder + id.String())
}

func userOrderKey(user, order uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixUserOrder, user, order))
}

func userOrderPrefix(user uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserOrder, user))
}

func openOrderKey(ticker string, order uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOpenOrder, ticker, order))
}

func openOrderPrefix(ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOpenOrder, ticker))
}

func tradeKey(ticker string, ts int64, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, ticker, ts, id))
}

func tradePrefix(ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, ticker))
}

// keyUpperBound is the exclusive end of a prefix scan: the prefix with
// its last byte incremented.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
