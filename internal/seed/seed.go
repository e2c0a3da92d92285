package seed

import (
	"context"
	"fmt"

	"cart-consolidation/internal/domain"
	cartsvc "cart-consolidation/internal/service/cart"
)

const (
	DemoSessionID  = "demo-session"
	DemoCustomerID = "demo-customer"
)

type Carts interface {
	GetOrCreateBySession(ctx context.Context, sessionID string) (*domain.Cart, error)
	GetOrCreateByCustomer(ctx context.Context, customerID string) (*domain.Cart, error)
	AddLine(ctx context.Context, owner cartsvc.Owner, in cartsvc.AddLineInput) (*domain.Cart, error)
}

type cartSeed struct {
	owner cartsvc.Owner
	lines []cartsvc.AddLineInput
}

func variant(v string) *string { return &v }

// Apply creates a guest cart and a customer cart that overlap on one item,
// ready for trying a login merge by hand. Carts that already have lines are
// left alone, so running it twice changes nothing.
func Apply(ctx context.Context, carts Carts) error {
	seeds := []cartSeed{
		{
			owner: cartsvc.GuestOwner(DemoSessionID),
			lines: []cartsvc.AddLineInput{
				{ProductID: "demo-shirt", VariantID: variant("M"), Quantity: 2, UnitPriceCents: 1899},
				{ProductID: "demo-mug", Quantity: 1, UnitPriceCents: 1299},
			},
		},
		{
			owner: cartsvc.CustomerOwner(DemoCustomerID),
			lines: []cartsvc.AddLineInput{
				{ProductID: "demo-shirt", VariantID: variant("M"), Quantity: 1, UnitPriceCents: 1999},
			},
		},
	}

	for _, s := range seeds {
		if err := ensureCart(ctx, carts, s); err != nil {
			return err
		}
	}
	return nil
}

func ensureCart(ctx context.Context, carts Carts, s cartSeed) error {
	var (
		cart *domain.Cart
		err  error
	)
	if s.owner.SessionID != "" {
		cart, err = carts.GetOrCreateBySession(ctx, s.owner.SessionID)
	} else {
		cart, err = carts.GetOrCreateByCustomer(ctx, s.owner.CustomerID)
	}
	if err != nil {
		return fmt.Errorf("ensure cart %+v: %w", s.owner, err)
	}
	if len(cart.Lines) > 0 {
		return nil
	}
	for _, line := range s.lines {
		if _, err := carts.AddLine(ctx, s.owner, line); err != nil {
			return fmt.Errorf("add %s to %s: %w", line.ProductID, cart.ID, err)
		}
	}
	return nil
}
