package cart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"cart-consolidation/internal/domain"
	"cart-consolidation/internal/events"
	"cart-consolidation/internal/metrics"
	cartrepo "cart-consolidation/internal/repository/cart"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	GuestTTL    time.Duration
	MaxAttempts int
	Logger      *log.Logger
	Events      events.Publisher
	Metrics     *metrics.CartMetrics
	Now         func() time.Time
	NewID       func() string
}

// Service owns the cart lifecycle and guest-to-customer consolidation.
type Service struct {
	repo        cartrepo.Repository
	guestTTL    time.Duration
	maxAttempts int
	logger      *log.Logger
	events      events.Publisher
	metrics     *metrics.CartMetrics
	now         func() time.Time
	newID       func() string
}

func New(repo cartrepo.Repository, opts Options) *Service {
	s := &Service{
		repo:        repo,
		guestTTL:    opts.GuestTTL,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		events:      opts.Events,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if s.guestTTL <= 0 {
		s.guestTTL = domain.DefaultGuestCartTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Owner addresses a cart by exactly one of session or customer.
type Owner struct {
	SessionID  string
	CustomerID string
}

func GuestOwner(sessionID string) Owner {
	return Owner{SessionID: sessionID}
}

func CustomerOwner(customerID string) Owner {
	return Owner{CustomerID: customerID}
}

func (o Owner) validate() error {
	hasSession := strings.TrimSpace(o.SessionID) != ""
	hasCustomer := strings.TrimSpace(o.CustomerID) != ""
	if hasSession == hasCustomer {
		return fmt.Errorf("%w: exactly one of session or customer required", domain.ErrInvalidInput)
	}
	return nil
}

// checked rejects carts that violate the ownership model instead of repairing them.
func (s *Service) checked(cart *domain.Cart) (*domain.Cart, error) {
	if err := cart.Validate(); err != nil {
		s.logger.Printf("cart service: integrity violation cart_id=%s err=%v", cart.ID, err)
		return nil, err
	}
	return cart, nil
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	evt.OccurredAt = s.now()
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Printf("cart service: publish type=%s cart_id=%s err=%v", evt.Type, evt.CartID, err)
	}
}

// transient marks a store failure as retryable while keeping the cause.
func transient(op string, err error) error {
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrTransient, op, err)
}
