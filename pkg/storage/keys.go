package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
//
//	ord:{orderID}                                -> SignedOrder JSON
//	oin:{instrument}:{createdAt}:{orderID}       -> "" every order per instrument
//	omk:{maker}:{createdAt}:{orderID}            -> "" every order per maker
//	oact:{instrument}:{orderID}                  -> "" ACTIVE orders
//	oexp:{expiry}:{orderID}                      -> "" ACTIVE orders by expiry
//	trd:{buyOrderID}:{sellOrderID}               -> Trade JSON (any status)
//	tin:{instrument}:{settledAt}:{buy}:{sell}    -> "" CONFIRMED trades per instrument
//	tmk:{maker}:{settledAt}:{buy}:{sell}         -> "" CONFIRMED trades per maker
//
// Timestamps are zero-padded to 20 digits so lexicographic order is time order.
const (
	prefixOrder           = "ord:"
	prefixOrderInstrument = "oin:"
	prefixOrderMaker      = "omk:"
	prefixOrderActive     = "oact:"
	prefixOrderExpiry     = "oexp:"
	prefixTrade           = "trd:"
	prefixTradeInstrument = "tin:"
	prefixTradeMaker      = "tmk:"
)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func orderInstrumentKey(instrument string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOrderInstrument, instrument, stamp(createdAt), id))
}

func orderInstrumentPrefix(instrument string) []byte {
	return []byte(prefixOrderInstrument + instrument + ":")
}

func orderMakerKey(maker common.Address, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOrderMaker, makerHex(maker), stamp(createdAt), id))
}

func orderMakerPrefix(maker common.Address) []byte {
	return []byte(prefixOrderMaker + makerHex(maker) + ":")
}

func orderActiveKey(instrument, id string) []byte {
	return []byte(prefixOrderActive + instrument + ":" + id)
}

func orderActivePrefix(instrument string) []byte {
	return []byte(prefixOrderActive + instrument + ":")
}

func orderExpiryKey(expiry int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixOrderExpiry, clampNonNegative(expiry), id))
}

// orderExpiryBound is the exclusive upper bound for orders expiring before ts.
func orderExpiryBound(ts int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixOrderExpiry, clampNonNegative(ts)))
}

func tradeKey(buyOrderID, sellOrderID string) []byte {
	return []byte(prefixTrade + buyOrderID + ":" + sellOrderID)
}

func tradeSuffix(settledAt time.Time, buyOrderID, sellOrderID string) string {
	return fmt.Sprintf("%020d:%s:%s", stamp(settledAt), buyOrderID, sellOrderID)
}

func tradeInstrumentKey(instrument string, settledAt time.Time, buy, sell string) []byte {
	return []byte(prefixTradeInstrument + instrument + ":" + tradeSuffix(settledAt, buy, sell))
}

func tradeInstrumentPrefix(instrument string) []byte {
	return []byte(prefixTradeInstrument + instrument + ":")
}

func tradeMakerKey(maker common.Address, settledAt time.Time, buy, sell string) []byte {
	return []byte(prefixTradeMaker + makerHex(maker) + ":" + tradeSuffix(settledAt, buy, sell))
}

func tradeMakerPrefix(maker common.Address) []byte {
	return []byte(prefixTradeMaker + makerHex(maker) + ":")
}

// splitIndexKey returns the trailing ':'-separated fields of an index key
// after prefix.
func splitIndexKey(key, prefix []byte) []string {
	return strings.Split(string(key[len(prefix):]), ":")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "oact:P1:" -> upper bound "oact:P1;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func makerHex(maker common.Address) string {
	return strings.ToLower(maker.Hex())
}

func stamp(t time.Time) int64 {
	return clampNonNegative(t.UnixNano())
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
