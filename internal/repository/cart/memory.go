package cart

import (
	"context"
	"sort"
	"sync"
	"time"

	"cart-consolidation/internal/domain"
)

type memoryRepo struct {
	mu         sync.Mutex
	carts      map[string]*domain.Cart
	bySession  map[string]string
	byCustomer map[string]string
}

// NewMemory returns a process-local Repository with the same version and
// ownership rules as the durable stores.
func NewMemory() Repository {
	return &memoryRepo{
		carts:      make(map[string]*domain.Cart),
		bySession:  make(map[string]string),
		byCustomer: make(map[string]string),
	}
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *memoryRepo) GetBySession(ctx context.Context, sessionID string) (*domain.Cart, error) {
	r.mu.Lock()
	id, ok := r.bySession[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) GetByCustomer(ctx context.Context, customerID string) (*domain.Cart, error) {
	r.mu.Lock()
	id, ok := r.byCustomer[customerID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) Insert(_ context.Context, cart *domain.Cart) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index, key, err := r.ownerIndex(cart)
	if err != nil {
		return nil, err
	}
	if _, taken := index[key]; taken {
		return nil, domain.ErrAlreadyExists
	}
	if _, taken := r.carts[cart.ID]; taken {
		return nil, domain.ErrAlreadyExists
	}
	stored := cart.Clone()
	stored.Version = 1
	for i := range stored.Lines {
		stored.Lines[i].CartID = stored.ID
	}
	r.carts[stored.ID] = stored
	index[key] = stored.ID
	return stored.Clone(), nil
}

func (r *memoryRepo) Save(_ context.Context, cart *domain.Cart) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.carts[cart.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.Version != cart.Version {
		return nil, domain.ErrConflict
	}
	index, key, err := r.ownerIndex(cart)
	if err != nil {
		return nil, err
	}
	if holder, taken := index[key]; taken && holder != cart.ID {
		return nil, domain.ErrConflict
	}

	r.dropOwner(current)
	stored := cart.Clone()
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	for i := range stored.Lines {
		stored.Lines[i].CartID = stored.ID
	}
	// Lines moved here leave whichever cart held them before.
	moved := make(map[string]struct{}, len(stored.Lines))
	for _, line := range stored.Lines {
		moved[line.ID] = struct{}{}
	}
	for id, other := range r.carts {
		if id == stored.ID {
			continue
		}
		kept := other.Lines[:0:0]
		for _, line := range other.Lines {
			if _, ok := moved[line.ID]; !ok {
				kept = append(kept, line)
			}
		}
		other.Lines = kept
	}
	r.carts[stored.ID] = stored
	index[key] = stored.ID
	return stored.Clone(), nil
}

func (r *memoryRepo) Delete(_ context.Context, id string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.carts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != version {
		return domain.ErrConflict
	}
	r.dropOwner(current)
	delete(r.carts, id)
	return nil
}

func (r *memoryRepo) ListExpiredGuests(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*domain.Cart
	for _, c := range r.carts {
		if c.Ownership() == domain.OwnershipGuest && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *memoryRepo) ListAbandoned(_ context.Context, cutoff time.Time) ([]domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Cart
	for _, c := range r.carts {
		if len(c.Lines) > 0 && c.UpdatedAt.Before(cutoff) {
			out = append(out, *c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *memoryRepo) ownerIndex(c *domain.Cart) (map[string]string, string, error) {
	switch c.Ownership() {
	case domain.OwnershipGuest:
		return r.bySession, *c.SessionID, nil
	case domain.OwnershipCustomer:
		return r.byCustomer, *c.CustomerID, nil
	default:
		return nil, "", domain.ErrInvalidState
	}
}

func (r *memoryRepo) dropOwner(c *domain.Cart) {
	if c.SessionID != nil && r.bySession[*c.SessionID] == c.ID {
		delete(r.bySession, *c.SessionID)
	}
	if c.CustomerID != nil && r.byCustomer[*c.CustomerID] == c.ID {
		delete(r.byCustomer, *c.CustomerID)
	}
}
