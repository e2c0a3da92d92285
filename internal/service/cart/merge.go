package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cart-consolidation/internal/domain"
	"cart-consolidation/internal/events"
	"cart-consolidation/internal/metrics"
)

// MergeGuestCartIntoCustomer consolidates the session's guest cart into the
// customer's cart at login and returns the single surviving cart.
//
// Without a guest cart the customer cart is returned (created if needed).
// Without a customer cart the guest cart is re-keyed to the customer in
// place. Otherwise guest lines are folded into the customer cart: matching
// lines add quantities at the customer line's unit price, the rest move over
// untouched. The customer cart is saved before the guest cart is deleted, so
// a failure in between leaves a state the next call finishes cleanly.
//
// Version conflicts on the customer cart rerun the whole merge up to the
// configured attempt limit. Errors wrapping domain.ErrTransient are safe to
// retry end to end.
func (s *Service) MergeGuestCartIntoCustomer(ctx context.Context, sessionID, customerID string) (*domain.Cart, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id required", domain.ErrInvalidInput)
	}
	started := time.Now()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cart, outcome, err := s.mergeOnce(ctx, strings.TrimSpace(sessionID), customerID)
		if err == nil {
			s.metrics.ObserveMerge(outcome, started)
			s.logger.Printf("cart service: merge session=%s customer=%s outcome=%s cart_id=%s attempt=%d",
				sessionID, customerID, outcome, cart.ID, attempt)
			return cart, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			s.metrics.ObserveMerge(metrics.OutcomeFailed, started)
			s.logger.Printf("cart service: merge session=%s customer=%s error=%v", sessionID, customerID, err)
			return nil, err
		}
		s.metrics.MergeConflict()
		s.logger.Printf("cart service: merge conflict session=%s customer=%s attempt=%d", sessionID, customerID, attempt)
	}

	s.metrics.ObserveMerge(metrics.OutcomeFailed, started)
	return nil, fmt.Errorf("%w: merge session=%s customer=%s gave up after %d attempts: %w",
		domain.ErrTransient, sessionID, customerID, s.maxAttempts, domain.ErrConflict)
}

func (s *Service) mergeOnce(ctx context.Context, sessionID, customerID string) (*domain.Cart, string, error) {
	var guest *domain.Cart
	if sessionID != "" {
		found, err := s.findChecked(ctx, GuestOwner(sessionID))
		if err != nil {
			return nil, "", err
		}
		guest = found
	}
	customer, err := s.findChecked(ctx, CustomerOwner(customerID))
	if err != nil {
		return nil, "", err
	}

	switch {
	case guest == nil:
		if customer != nil {
			return customer, metrics.OutcomeNoGuest, nil
		}
		created, err := s.getOrCreate(ctx, CustomerOwner(customerID))
		if err != nil {
			return nil, "", transient("create customer cart", err)
		}
		return created, metrics.OutcomeNoGuest, nil

	case customer == nil:
		promoted := guest.Clone()
		promoted.AssignCustomer(customerID)
		promoted.UpdatedAt = s.now()
		saved, err := s.saveForMerge(ctx, promoted)
		if err != nil {
			return nil, "", transient("promote guest cart", err)
		}
		s.publish(ctx, events.Event{
			Type:       events.CartPromoted,
			CartID:     saved.ID,
			CustomerID: customerID,
			SessionID:  sessionID,
			LineCount:  len(saved.Lines),
		})
		return saved, metrics.OutcomePromoted, nil
	}

	if entry, ok := customer.AbsorbedFrom(guest.ID); ok {
		// An earlier attempt saved the merge but never deleted the guest cart.
		if entry.Version != guest.Version {
			// The guest cart gained lines or quantity since then.
			merged, err := mergeLines(customer, guest, entry.Taken)
			if err != nil {
				return nil, "", err
			}
			merged.MarkAbsorbed(guest)
			merged.UpdatedAt = s.now()
			saved, err := s.saveForMerge(ctx, merged)
			if err != nil {
				return nil, "", transient("save customer cart", err)
			}
			customer = saved
		}
		if err := s.deleteGuest(ctx, guest); err != nil {
			return nil, "", err
		}
		s.publishMerged(ctx, customer, sessionID, guest.ID)
		return customer, metrics.OutcomeResumed, nil
	}

	merged, err := mergeLines(customer, guest, nil)
	if err != nil {
		return nil, "", err
	}
	merged.MarkAbsorbed(guest)
	merged.UpdatedAt = s.now()
	saved, err := s.saveForMerge(ctx, merged)
	if err != nil {
		return nil, "", transient("save customer cart", err)
	}
	if err := s.deleteGuest(ctx, guest); err != nil {
		return nil, "", err
	}
	s.publishMerged(ctx, saved, sessionID, guest.ID)
	return saved, metrics.OutcomeMerged, nil
}

func (s *Service) publishMerged(ctx context.Context, customer *domain.Cart, sessionID, guestID string) {
	s.publish(ctx, events.Event{
		Type:        events.CartMerged,
		CartID:      customer.ID,
		CustomerID:  *customer.CustomerID,
		SessionID:   sessionID,
		GuestCartID: guestID,
		LineCount:   len(customer.Lines),
	})
}

// saveForMerge treats a cart vanishing under us like a version conflict so
// the retry re-reads both sides.
func (s *Service) saveForMerge(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	saved, err := s.repo.Save(ctx, cart)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrConflict
	}
	return saved, err
}

// findChecked loads the owner's cart, returning nil when there is none.
func (s *Service) findChecked(ctx context.Context, owner Owner) (*domain.Cart, error) {
	cart, err := s.load(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("load cart", err)
	}
	return s.checked(cart)
}

// deleteGuest runs after the customer cart is committed and must not be
// abandoned because the caller went away. A guest cart changed since it was
// read is reported as a conflict so the retry folds in the change.
func (s *Service) deleteGuest(ctx context.Context, guest *domain.Cart) error {
	err := s.repo.Delete(context.WithoutCancel(ctx), guest.ID, guest.Version)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return transient("delete guest cart "+guest.ID, err)
}

// mergeLines returns a copy of customer with the guest lines folded in,
// less what taken says an earlier merge already took from each guest line.
// Guest quantities below what was taken add nothing.
func mergeLines(customer, guest *domain.Cart, taken map[string]int) (*domain.Cart, error) {
	out := customer.Clone()
	index := make(map[domain.LineKey]int, len(out.Lines))
	for i, line := range out.Lines {
		index[domain.KeyOf(line)] = i
	}
	for _, line := range guest.Lines {
		qty := line.Quantity - taken[line.ID]
		if qty <= 0 {
			continue
		}
		key := domain.KeyOf(line)
		if i, ok := index[key]; ok {
			sum, err := addQuantity(out.Lines[i].Quantity, qty)
			if err != nil {
				return nil, fmt.Errorf("merge guest cart %s: %w", guest.ID, err)
			}
			out.Lines[i].SetQuantity(sum)
			continue
		}
		moved := line
		if line.VariantID != nil {
			v := *line.VariantID
			moved.VariantID = &v
		}
		moved.CartID = out.ID
		moved.SetQuantity(qty)
		out.Lines = append(out.Lines, moved)
		index[key] = len(out.Lines) - 1
	}
	return out, nil
}
