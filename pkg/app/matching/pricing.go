package matching

import (
	"fmt"
	"sort"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// PricingPolicy picks the execution price for a compatible buy/sell pair.
// Implementations must return a price within [sell.Price, buy.Price].
type PricingPolicy interface {
	Name() string
	Price(buy, sell *core.SignedOrder) uint64
}

// SellerPrice executes at the sell order's limit. This is the default.
type SellerPrice struct{}

func (SellerPrice) Name() string { return "seller" }

func (SellerPrice) Price(_, sell *core.SignedOrder) uint64 {
	return sell.Order.Price
}

// BuyerPrice executes at the buy order's limit.
type BuyerPrice struct{}

func (BuyerPrice) Name() string { return "buyer" }

func (BuyerPrice) Price(buy, _ *core.SignedOrder) uint64 {
	return buy.Order.Price
}

// RestingPrice executes at the limit of whichever order was admitted first;
// simultaneous orders execute at the seller's limit.
type RestingPrice struct{}

func (RestingPrice) Name() string { return "resting" }

func (RestingPrice) Price(buy, sell *core.SignedOrder) uint64 {
	if buy.CreatedAt.Before(sell.CreatedAt) {
		return buy.Order.Price
	}
	return sell.Order.Price
}

var policies = map[string]PricingPolicy{
	SellerPrice{}.Name():  SellerPrice{},
	BuyerPrice{}.Name():   BuyerPrice{},
	RestingPrice{}.Name(): RestingPrice{},
}

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() PricingPolicy { return SellerPrice{} }

// PolicyByName resolves a configured policy name. Empty selects the default.
func PolicyByName(name string) (PricingPolicy, error) {
	if name == "" {
		return DefaultPolicy(), nil
	}
	p, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown pricing policy %q (have %v)", name, PolicyNames())
	}
	return p, nil
}

func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
