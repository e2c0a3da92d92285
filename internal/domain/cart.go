package domain

import (
	"fmt"
	"math"
	"time"
)

// DefaultGuestCartTTL is how long a guest cart lives after its last mutation.
const DefaultGuestCartTTL = 30 * 24 * time.Hour

// maxAbsorbed bounds the merge ledger kept on customer carts.
const maxAbsorbed = 16

// MaxLineQuantity is the largest quantity a line may hold; durable stores
// keep quantities as 32-bit integers.
const MaxLineQuantity = math.MaxInt32

// Cart is the aggregate root. Lines are owned by value and always loaded and
// saved together with the cart.
type Cart struct {
	ID         string          `json:"id"`
	SessionID  *string         `json:"sessionId,omitempty"`
	CustomerID *string         `json:"customerId,omitempty"`
	Currency   string          `json:"currency"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Version    int64           `json:"version"`
	Absorbed   []AbsorbedGuest `json:"absorbed,omitempty"`
	Lines      []CartLine      `json:"lineItems"`
}

type CartLine struct {
	ID             string    `json:"id"`
	CartID         string    `json:"cartId"`
	ProductID      string    `json:"productId"`
	VariantID      *string   `json:"variantId,omitempty"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unitPriceCents"`
	TotalCents     int64     `json:"totalCents"`
	AddedAt        time.Time `json:"addedAt"`
}

// AbsorbedGuest records a guest cart folded into a customer cart: the guest
// version the merge read and the quantity it took from each guest line.
type AbsorbedGuest struct {
	CartID  string         `json:"cartId"`
	Version int64          `json:"version"`
	Taken   map[string]int `json:"taken,omitempty"`
}

// Ownership is the mode a cart is in.
type Ownership int

const (
	OwnershipInvalid Ownership = iota
	OwnershipGuest
	OwnershipCustomer
)

func (o Ownership) String() string {
	switch o {
	case OwnershipGuest:
		return "guest"
	case OwnershipCustomer:
		return "customer"
	default:
		return "invalid"
	}
}

// Ownership reports the cart's mode. Both owners set or both unset is invalid.
func (c *Cart) Ownership() Ownership {
	hasSession := c.SessionID != nil && *c.SessionID != ""
	hasCustomer := c.CustomerID != nil && *c.CustomerID != ""
	switch {
	case hasSession && !hasCustomer:
		return OwnershipGuest
	case hasCustomer && !hasSession:
		return OwnershipCustomer
	default:
		return OwnershipInvalid
	}
}

// Validate checks the ownership and line invariants of a cart.
func (c *Cart) Validate() error {
	if c.Ownership() == OwnershipInvalid {
		return fmt.Errorf("%w: cart %s has no single owner", ErrInvalidState, c.ID)
	}
	if c.Ownership() == OwnershipCustomer && c.ExpiresAt != nil {
		return fmt.Errorf("%w: customer cart %s has an expiry", ErrInvalidState, c.ID)
	}
	seen := make(map[LineKey]struct{}, len(c.Lines))
	for _, line := range c.Lines {
		if line.Quantity <= 0 || line.Quantity > MaxLineQuantity {
			return fmt.Errorf("%w: line %s has quantity %d", ErrInvalidState, line.ID, line.Quantity)
		}
		key := KeyOf(line)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: cart %s has duplicate line for %s", ErrInvalidState, c.ID, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// AssignCustomer re-keys the cart to a customer. Customer carts never expire.
func (c *Cart) AssignCustomer(customerID string) {
	c.CustomerID = &customerID
	c.SessionID = nil
	c.ExpiresAt = nil
}

// Touch records a mutation at now. Guest carts slide their expiry forward.
func (c *Cart) Touch(now time.Time, guestTTL time.Duration) {
	c.UpdatedAt = now
	if c.Ownership() == OwnershipGuest {
		exp := now.Add(guestTTL)
		c.ExpiresAt = &exp
	}
}

// LineByKey returns the index of the line with the given merge key, or -1.
func (c *Cart) LineByKey(key LineKey) int {
	for i := range c.Lines {
		if KeyOf(c.Lines[i]) == key {
			return i
		}
	}
	return -1
}

// LineByID returns the index of the line with the given id, or -1.
func (c *Cart) LineByID(id string) int {
	for i := range c.Lines {
		if c.Lines[i].ID == id {
			return i
		}
	}
	return -1
}

// AbsorbedFrom returns the ledger entry for a guest cart already merged into c.
func (c *Cart) AbsorbedFrom(guestCartID string) (AbsorbedGuest, bool) {
	for _, entry := range c.Absorbed {
		if entry.CartID == guestCartID {
			return entry, true
		}
	}
	return AbsorbedGuest{}, false
}

func (c *Cart) HasAbsorbed(guestCartID string) bool {
	_, ok := c.AbsorbedFrom(guestCartID)
	return ok
}

// MarkAbsorbed records guest as fully taken at its current version,
// replacing any earlier entry and keeping the most recent entries.
func (c *Cart) MarkAbsorbed(guest *Cart) {
	entry := AbsorbedGuest{
		CartID:  guest.ID,
		Version: guest.Version,
		Taken:   make(map[string]int, len(guest.Lines)),
	}
	for _, line := range guest.Lines {
		entry.Taken[line.ID] = line.Quantity
	}
	kept := make([]AbsorbedGuest, 0, len(c.Absorbed)+1)
	for _, e := range c.Absorbed {
		if e.CartID != guest.ID {
			kept = append(kept, e)
		}
	}
	kept = append(kept, entry)
	if n := len(kept); n > maxAbsorbed {
		kept = kept[n-maxAbsorbed:]
	}
	c.Absorbed = kept
}

func (c *Cart) TotalCents() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.TotalCents
	}
	return total
}

func (c *Cart) TotalQuantity() int {
	total := 0
	for _, line := range c.Lines {
		total += line.Quantity
	}
	return total
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (c *Cart) Clone() *Cart {
	out := *c
	out.SessionID = cloneString(c.SessionID)
	out.CustomerID = cloneString(c.CustomerID)
	if c.ExpiresAt != nil {
		exp := *c.ExpiresAt
		out.ExpiresAt = &exp
	}
	if c.Absorbed != nil {
		out.Absorbed = make([]AbsorbedGuest, len(c.Absorbed))
		for i, entry := range c.Absorbed {
			taken := make(map[string]int, len(entry.Taken))
			for id, qty := range entry.Taken {
				taken[id] = qty
			}
			entry.Taken = taken
			out.Absorbed[i] = entry
		}
	}
	out.Lines = make([]CartLine, len(c.Lines))
	for i, line := range c.Lines {
		line.VariantID = cloneString(line.VariantID)
		out.Lines[i] = line
	}
	return &out
}

// SetQuantity changes the quantity and recomputes the line total.
func (l *CartLine) SetQuantity(qty int) {
	l.Quantity = qty
	l.TotalCents = l.UnitPriceCents * int64(qty)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
