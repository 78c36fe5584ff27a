package checkout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// StoreGroup is the slice of a cart sold by one store, with its share of
// tax, shipping and discounts.
type StoreGroup struct {
	StoreID     string       `json:"store_id"`
	Items       []LineItem   `json:"items"`
	Subtotal    int64        `json:"subtotal"`
	Tax         int64        `json:"tax"`
	Shipping    int64        `json:"shipping"`
	Discount    int64        `json:"discount"`
	Total       int64        `json:"total"`
	Redemptions []Redemption `json:"redemptions,omitempty"`
}

// Redemption is the part of one discount applied to one store.
type Redemption struct {
	Code   string       `json:"code"`
	Kind   DiscountKind `json:"kind"`
	Amount int64        `json:"amount"`
}

func (g *StoreGroup) payable() int64 {
	return g.Subtotal + g.Tax + g.Shipping - g.Discount
}

func (g *StoreGroup) redeem(d Discount, amount int64) {
	if amount <= 0 {
		return
	}
	g.Discount += amount
	g.Redemptions = append(g.Redemptions, Redemption{Code: d.Code, Kind: d.Kind, Amount: amount})
}

// Group resolves each line item's store. Groups keep the order in which
// their store first appears in the cart. Items whose store cannot be
// resolved are returned separately.
func Group(ctx context.Context, catalog Catalog, items []LineItem) ([]*StoreGroup, []SkippedItem) {
	var groups []*StoreGroup
	index := make(map[string]*StoreGroup)
	var skipped []SkippedItem

	for _, it := range items {
		storeID, ok, err := catalog.ResolveStore(ctx, it.ProductID)
		switch {
		case err != nil:
			skipped = append(skipped, SkippedItem{LineItem: it, Reason: fmt.Sprintf("store lookup failed: %v", err)})
			continue
		case !ok || storeID == "":
			skipped = append(skipped, SkippedItem{LineItem: it, Reason: "product has no store"})
			continue
		}
		g, exists := index[storeID]
		if !exists {
			g = &StoreGroup{StoreID: storeID}
			index[storeID] = g
			groups = append(groups, g)
		}
		g.Items = append(g.Items, it)
		g.Subtotal += it.Total()
	}
	return groups, skipped
}

// Apportion spreads tax, shipping and discounts over groups in place.
//
// Shipping is split evenly and the remainder goes one unit at a time to the
// first groups, so the shares always add up to shipping. Global discounts
// are split by subtotal share with the last group taking the rounding
// remainder. Gift cards never redeem more than their balance in total, and
// no group's discount exceeds what it owes.
func Apportion(groups []*StoreGroup, taxRate decimal.Decimal, shipping int64, discounts []Discount) {
	if len(groups) == 0 {
		return
	}

	var cartSubtotal int64
	for _, g := range groups {
		g.Tax = decimal.NewFromInt(g.Subtotal).Mul(taxRate).Round(0).IntPart()
		cartSubtotal += g.Subtotal
	}

	n := int64(len(groups))
	base, rem := shipping/n, shipping%n
	for i, g := range groups {
		g.Shipping = base
		if int64(i) < rem {
			g.Shipping++
		}
	}

	byStore := make(map[string]*StoreGroup, len(groups))
	for _, g := range groups {
		byStore[g.StoreID] = g
	}

	// store-scoped discounts first so global ones see what is left
	for _, d := range discounts {
		if d.StoreID == "" {
			continue
		}
		g, ok := byStore[d.StoreID]
		if !ok {
			continue
		}
		g.redeem(d, capped(d, d.Amount, g))
	}

	for _, d := range discounts {
		if d.StoreID != "" {
			continue
		}
		balance := d.Amount
		shares := proportional(d.Amount, groups, cartSubtotal)
		for i, g := range groups {
			share := shares[i]
			if d.Kind == GiftCard && share > balance {
				share = balance
			}
			applied := capped(d, share, g)
			g.redeem(d, applied)
			balance -= applied
		}
	}

	for _, g := range groups {
		g.Total = g.payable()
		if g.Total < 0 {
			g.Total = 0
		}
	}
}

// capped limits a gift card to what the group still owes. Coupons are not
// capped here; the group total is floored at zero instead.
func capped(d Discount, amount int64, g *StoreGroup) int64 {
	if d.Kind != GiftCard {
		return amount
	}
	if owed := g.payable(); amount > owed {
		amount = owed
	}
	if amount < 0 {
		return 0
	}
	return amount
}

func proportional(amount int64, groups []*StoreGroup, cartSubtotal int64) []int64 {
	shares := make([]int64, len(groups))
	if cartSubtotal <= 0 {
		shares[len(shares)-1] = amount
		return shares
	}
	total := decimal.NewFromInt(amount)
	whole := decimal.NewFromInt(cartSubtotal)
	var assigned int64
	for i, g := range groups[:len(groups)-1] {
		shares[i] = total.Mul(decimal.NewFromInt(g.Subtotal)).Div(whole).Floor().IntPart()
		assigned += shares[i]
	}
	shares[len(shares)-1] = amount - assigned
	return shares
}
