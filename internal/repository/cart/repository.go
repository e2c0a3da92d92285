package cart

import (
	"context"
	"time"

	"cart-consolidation/internal/domain"
)

// Repository stores whole cart aggregates. Every read returns the cart with
// its lines; every write replaces cart and lines as one unit.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Cart, error)
	GetBySession(ctx context.Context, sessionID string) (*domain.Cart, error)
	GetByCustomer(ctx context.Context, customerID string) (*domain.Cart, error)
	// Insert creates the cart unless its owner already has one, in which case
	// it returns domain.ErrAlreadyExists and writes nothing.
	Insert(ctx context.Context, cart *domain.Cart) (*domain.Cart, error)
	// Save replaces the stored cart if its version still equals cart.Version.
	// A stale version, or an owner already held by another cart, yields
	// domain.ErrConflict. The returned cart carries the new version.
	Save(ctx context.Context, cart *domain.Cart) (*domain.Cart, error)
	// Delete removes the cart and every line still attached to it if its
	// version still equals version, and yields domain.ErrConflict otherwise.
	Delete(ctx context.Context, id string, version int64) error
	// ListExpiredGuests returns ids of guest carts with expiresAt <= now.
	ListExpiredGuests(ctx context.Context, now time.Time) ([]string, error)
	// ListAbandoned returns non-empty carts with updatedAt < cutoff, oldest first.
	ListAbandoned(ctx context.Context, cutoff time.Time) ([]domain.Cart, error)
}
