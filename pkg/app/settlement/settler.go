package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/matching"
)

// Instruction is everything a settler needs to execute one match. Orders are
// the snapshot copies the match was proposed from.
type Instruction struct {
	Buy   *core.SignedOrder
	Sell  *core.SignedOrder
	Match matching.Match
}

// Settler performs the external settlement of a match and returns a reference
// to it (for example a transaction hash). Implementations must honour ctx: the
// orchestrator treats a call still running at the deadline as failed.
type Settler interface {
	Settle(ctx context.Context, in Instruction) (string, error)
}

// SettlerFunc adapts a plain function to Settler.
type SettlerFunc func(ctx context.Context, in Instruction) (string, error)

func (f SettlerFunc) Settle(ctx context.Context, in Instruction) (string, error) {
	return f(ctx, in)
}

// LocalSettler settles instantly with a random reference. It exists for
// devnets and tests that have no chain to talk to.
type LocalSettler struct {
	// Delay simulates confirmation latency.
	Delay time.Duration
}

func (l LocalSettler) Settle(ctx context.Context, _ Instruction) (string, error) {
	if l.Delay > 0 {
		t := time.NewTimer(l.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "local-" + uuid.NewString(), nil
}

// Instructions pairs each match with the snapshot orders it refers to. A match
// whose orders are missing from the snapshot is dropped.
func Instructions(snapshot []*core.SignedOrder, matches []matching.Match) []Instruction {
	byID := make(map[string]*core.SignedOrder, len(snapshot))
	for _, o := range snapshot {
		byID[o.ID] = o
	}
	out := make([]Instruction, 0, len(matches))
	for _, m := range matches {
		buy, sell := byID[m.BuyOrderID], byID[m.SellOrderID]
		if buy == nil || sell == nil {
			continue
		}
		out = append(out, Instruction{Buy: buy, Sell: sell, Match: m})
	}
	return out
}
