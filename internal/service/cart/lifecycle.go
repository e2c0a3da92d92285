package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cart-consolidation/internal/domain"
	"cart-consolidation/internal/events"
)

const defaultCurrency = "USD"

// AddLineInput describes an item being put into a cart. The unit price is
// captured as given and never re-derived later.
type AddLineInput struct {
	ProductID      string  `json:"productId" binding:"required"`
	VariantID      *string `json:"variantId,omitempty"`
	Quantity       int     `json:"quantity" binding:"required,gt=0"`
	UnitPriceCents int64   `json:"unitPriceCents" binding:"gte=0"`
}

// GetOrCreateBySession returns the guest cart for sessionID, creating an
// empty one that expires after the guest TTL if none exists.
func (s *Service) GetOrCreateBySession(ctx context.Context, sessionID string) (*domain.Cart, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id required", domain.ErrInvalidInput)
	}
	return s.getOrCreate(ctx, GuestOwner(sessionID))
}

// GetOrCreateByCustomer returns the customer's cart, creating an empty one
// without expiry if none exists.
func (s *Service) GetOrCreateByCustomer(ctx context.Context, customerID string) (*domain.Cart, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id required", domain.ErrInvalidInput)
	}
	return s.getOrCreate(ctx, CustomerOwner(customerID))
}

func (s *Service) getOrCreate(ctx context.Context, owner Owner) (*domain.Cart, error) {
	existing, err := s.load(ctx, owner)
	if err == nil {
		return s.checked(existing)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	fresh := &domain.Cart{
		ID:        s.newID(),
		Currency:  defaultCurrency,
		CreatedAt: now,
		UpdatedAt: now,
		Lines:     []domain.CartLine{},
	}
	if owner.SessionID != "" {
		sessionID := owner.SessionID
		exp := now.Add(s.guestTTL)
		fresh.SessionID = &sessionID
		fresh.ExpiresAt = &exp
	} else {
		customerID := owner.CustomerID
		fresh.CustomerID = &customerID
	}

	created, err := s.repo.Insert(ctx, fresh)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Lost the race to a concurrent creator; the pre-existing row wins.
		existing, err := s.load(ctx, owner)
		if err != nil {
			return nil, err
		}
		return s.checked(existing)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Printf("cart service: created cart_id=%s owner=%s", created.ID, created.Ownership())
	return created, nil
}

func (s *Service) load(ctx context.Context, owner Owner) (*domain.Cart, error) {
	if owner.SessionID != "" {
		return s.repo.GetBySession(ctx, owner.SessionID)
	}
	return s.repo.GetByCustomer(ctx, owner.CustomerID)
}

// ExpireGuestCarts deletes guest carts whose expiry is at or before now and
// returns how many were deleted. Carts are handled one by one; an
// interrupted run leaves the rest for the next one.
func (s *Service) ExpireGuestCarts(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListExpiredGuests(ctx, now)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		cart, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		// Skip carts touched or promoted since they were listed.
		if cart.Ownership() != domain.OwnershipGuest || cart.ExpiresAt == nil || cart.ExpiresAt.After(now) {
			continue
		}
		// The version check loses to any write after the read above.
		if err := s.repo.Delete(ctx, id, cart.Version); err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		deleted++
		s.publish(ctx, events.Event{
			Type:      events.CartExpired,
			CartID:    id,
			SessionID: *cart.SessionID,
			LineCount: len(cart.Lines),
		})
	}

	s.metrics.Expired(deleted)
	s.logger.Printf("cart service: expire now=%s candidates=%d deleted=%d", now.Format(time.RFC3339), len(ids), deleted)
	return deleted, errors.Join(errs...)
}

// FindAbandoned lists carts with at least one line that were last updated
// before cutoff, oldest first.
func (s *Service) FindAbandoned(ctx context.Context, cutoff time.Time) ([]domain.Cart, error) {
	return s.repo.ListAbandoned(ctx, cutoff)
}

// AddLine puts an item in the owner's cart. An existing line with the same
// merge key is incremented and keeps its captured unit price.
func (s *Service) AddLine(ctx context.Context, owner Owner, in AddLineInput) (*domain.Cart, error) {
	if strings.TrimSpace(in.ProductID) == "" {
		return nil, fmt.Errorf("%w: product id required", domain.ErrInvalidInput)
	}
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput)
	}
	if in.Quantity > domain.MaxLineQuantity {
		return nil, fmt.Errorf("%w: quantity %d exceeds %d", domain.ErrInvalidInput, in.Quantity, domain.MaxLineQuantity)
	}
	if in.UnitPriceCents < 0 {
		return nil, fmt.Errorf("%w: unit price must not be negative", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, owner, func(cart *domain.Cart, now time.Time) error {
		line := domain.CartLine{
			ProductID: in.ProductID,
			VariantID: in.VariantID,
		}
		if i := cart.LineByKey(domain.KeyOf(line)); i >= 0 {
			qty, err := addQuantity(cart.Lines[i].Quantity, in.Quantity)
			if err != nil {
				return err
			}
			cart.Lines[i].SetQuantity(qty)
			return nil
		}
		line.ID = s.newID()
		line.CartID = cart.ID
		line.UnitPriceCents = in.UnitPriceCents
		line.AddedAt = now
		line.SetQuantity(in.Quantity)
		cart.Lines = append(cart.Lines, line)
		return nil
	})
}

// ChangeLineQuantity sets a line's quantity; zero or less removes it.
func (s *Service) ChangeLineQuantity(ctx context.Context, owner Owner, lineID string, quantity int) (*domain.Cart, error) {
	if strings.TrimSpace(lineID) == "" {
		return nil, fmt.Errorf("%w: line id required", domain.ErrInvalidInput)
	}
	if quantity > domain.MaxLineQuantity {
		return nil, fmt.Errorf("%w: quantity %d exceeds %d", domain.ErrInvalidInput, quantity, domain.MaxLineQuantity)
	}
	return s.mutate(ctx, owner, func(cart *domain.Cart, _ time.Time) error {
		i := cart.LineByID(lineID)
		if i < 0 {
			return domain.ErrNotFound
		}
		if quantity <= 0 {
			cart.Lines = append(cart.Lines[:i], cart.Lines[i+1:]...)
			return nil
		}
		cart.Lines[i].SetQuantity(quantity)
		return nil
	})
}

// addQuantity sums two line quantities, rejecting totals a line cannot hold.
func addQuantity(current, extra int) (int, error) {
	if extra > domain.MaxLineQuantity-current {
		return 0, fmt.Errorf("%w: quantity %d + %d exceeds %d", domain.ErrInvalidInput, current, extra, domain.MaxLineQuantity)
	}
	return current + extra, nil
}

func (s *Service) RemoveLine(ctx context.Context, owner Owner, lineID string) (*domain.Cart, error) {
	return s.ChangeLineQuantity(ctx, owner, lineID, 0)
}

// mutate applies fn to a fresh copy of the owner's cart and saves it,
// reloading and reapplying on version conflicts.
func (s *Service) mutate(ctx context.Context, owner Owner, fn func(cart *domain.Cart, now time.Time) error) (*domain.Cart, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.getOrCreate(ctx, owner)
		if err != nil {
			return nil, err
		}
		edit := current.Clone()
		now := s.now()
		if err := fn(edit, now); err != nil {
			return nil, err
		}
		edit.Touch(now, s.guestTTL)
		saved, err := s.repo.Save(ctx, edit)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, transient("save cart", err)
		}
		lastErr = err
		s.logger.Printf("cart service: mutate conflict cart_id=%s attempt=%d", current.ID, attempt)
	}
	return nil, fmt.Errorf("update cart after %d attempts: %w", s.maxAttempts, lastErr)
}
