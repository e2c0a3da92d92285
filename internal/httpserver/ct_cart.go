package httpserver

import (
	"time"

	"cart-consolidation/internal/domain"
)

type ctCart struct {
	Type                  string       `json:"type"`
	ID                    string       `json:"id"`
	Version               int64        `json:"version"`
	CreatedAt             time.Time    `json:"createdAt"`
	LastModifiedAt        time.Time    `json:"lastModifiedAt"`
	CreatedBy             *ctActor     `json:"createdBy,omitempty"`
	CustomerID            string       `json:"customerId,omitempty"`
	AnonymousID           string       `json:"anonymousId,omitempty"`
	ExpiresAt             *time.Time   `json:"expiresAt,omitempty"`
	LineItems             []ctLineItem `json:"lineItems"`
	CartState             string       `json:"cartState"`
	TotalPrice            ctPriceValue `json:"totalPrice"`
	TotalLineItemQuantity int          `json:"totalLineItemQuantity,omitempty"`
	Origin                string       `json:"origin"`
}

type ctActor struct {
	IsPlatformClient bool   `json:"isPlatformClient"`
	Customer         *ctRef `json:"customer,omitempty"`
	AnonymousID      string `json:"anonymousId,omitempty"`
}

type ctRef struct {
	TypeID string `json:"typeId,omitempty"`
	ID     string `json:"id,omitempty"`
}

type ctLineItem struct {
	ID         string       `json:"id"`
	ProductID  string       `json:"productId"`
	VariantID  *string      `json:"variantId,omitempty"`
	Price      ctPrice      `json:"price"`
	Quantity   int          `json:"quantity"`
	AddedAt    time.Time    `json:"addedAt"`
	TotalPrice ctPriceValue `json:"totalPrice"`
}

type ctPrice struct {
	Value ctPriceValue `json:"value"`
}

type ctPriceValue struct {
	Type           string `json:"type"`
	CurrencyCode   string `json:"currencyCode"`
	CentAmount     int64  `json:"centAmount"`
	FractionDigits int    `json:"fractionDigits"`
}

func centPrice(currency string, cents int64) ctPriceValue {
	return ctPriceValue{Type: "centPrecision", CurrencyCode: currency, CentAmount: cents, FractionDigits: 2}
}

func toCTCart(cart domain.Cart) ctCart {
	lineItems := make([]ctLineItem, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		lineItems = append(lineItems, ctLineItem{
			ID:         line.ID,
			ProductID:  line.ProductID,
			VariantID:  line.VariantID,
			Price:      ctPrice{Value: centPrice(cart.Currency, line.UnitPriceCents)},
			Quantity:   line.Quantity,
			AddedAt:    line.AddedAt,
			TotalPrice: centPrice(cart.Currency, line.TotalCents),
		})
	}

	out := ctCart{
		Type:                  "Cart",
		ID:                    cart.ID,
		Version:               cart.Version,
		CreatedAt:             cart.CreatedAt,
		LastModifiedAt:        cart.UpdatedAt,
		ExpiresAt:             cart.ExpiresAt,
		LineItems:             lineItems,
		CartState:             "Active",
		TotalPrice:            centPrice(cart.Currency, cart.TotalCents()),
		TotalLineItemQuantity: cart.TotalQuantity(),
		Origin:                "Customer",
	}
	switch cart.Ownership() {
	case domain.OwnershipCustomer:
		out.CustomerID = *cart.CustomerID
		out.CreatedBy = &ctActor{Customer: &ctRef{TypeID: "customer", ID: out.CustomerID}}
	case domain.OwnershipGuest:
		out.AnonymousID = *cart.SessionID
		out.CreatedBy = &ctActor{AnonymousID: out.AnonymousID}
	}
	return out
}

func toCTCarts(carts []domain.Cart) []ctCart {
	out := make([]ctCart, 0, len(carts))
	for _, c := range carts {
		out = append(out, toCTCart(c))
	}
	return out
}
