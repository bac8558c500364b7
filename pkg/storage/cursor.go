package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// tradeCursor positions a page after the trade it was taken from. Trades are
// ordered by (settledAt, buyOrderID, sellOrderID) descending.
type tradeCursor struct {
	SettledAt   int64
	BuyOrderID  string
	SellOrderID string
}

func cursorFor(t *core.Trade) string {
	if t == nil || t.SettledAt == nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s|%s", t.SettledAt.UnixNano(), t.BuyOrderID, t.SellOrderID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func parseCursor(s string) (*tradeCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor: want 3 fields, got %d", len(parts))
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return &tradeCursor{SettledAt: nanos, BuyOrderID: parts[1], SellOrderID: parts[2]}, nil
}

func (c *tradeCursor) time() time.Time { return time.Unix(0, c.SettledAt) }
