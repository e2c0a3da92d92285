package events

import (
	"context"
	"time"
)

type Type string

const (
	CartPromoted Type = "cart.promoted"
	CartMerged   Type = "cart.merged"
	CartExpired  Type = "cart.expired"
)

// Event is a cart lifecycle notification for downstream consumers.
type Event struct {
	Type        Type      `json:"type"`
	CartID      string    `json:"cartId"`
	CustomerID  string    `json:"customerId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	GuestCartID string    `json:"guestCartId,omitempty"`
	LineCount   int       `json:"lineCount"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers events. Publishing is best effort: cart operations
// never fail because an event could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
