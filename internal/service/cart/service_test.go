package cart

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cart-consolidation/internal/domain"
	"cart-consolidation/internal/events"
	"cart-consolidation/internal/metrics"
	cartrepo "cart-consolidation/internal/repository/cart"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyRepo wraps a real repository and lets tests inject failures and
// concurrent writes at specific points.
type faultyRepo struct {
	cartrepo.Repository
	getByIDHook func(ctx context.Context, id string)
	insertHook  func(ctx context.Context, cart *domain.Cart)
	saveHook    func(ctx context.Context, cart *domain.Cart) error
	deleteHook  func(ctx context.Context, id string)
	deleteErr   error
	deleteFails int
	saves       int
}

// GetByID runs getByIDHook once after the read, so the caller holds a copy
// that the hook's writes have made stale.
func (r *faultyRepo) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	cart, err := r.Repository.GetByID(ctx, id)
	if hook := r.getByIDHook; hook != nil {
		r.getByIDHook = nil
		hook(ctx, id)
	}
	return cart, err
}

func (r *faultyRepo) Insert(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	if hook := r.insertHook; hook != nil {
		r.insertHook = nil
		hook(ctx, cart)
	}
	return r.Repository.Insert(ctx, cart)
}

func (r *faultyRepo) Save(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	r.saves++
	if r.saveHook != nil {
		if err := r.saveHook(ctx, cart); err != nil {
			return nil, err
		}
	}
	return r.Repository.Save(ctx, cart)
}

func (r *faultyRepo) Delete(ctx context.Context, id string, version int64) error {
	if hook := r.deleteHook; hook != nil {
		r.deleteHook = nil
		hook(ctx, id)
	}
	if r.deleteFails > 0 {
		r.deleteFails--
		return r.deleteErr
	}
	return r.Repository.Delete(ctx, id, version)
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	out := make([]events.Type, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	repo   *faultyRepo
	svc    *Service
	events *recordingPublisher
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   &faultyRepo{Repository: cartrepo.NewMemory()},
		events: &recordingPublisher{},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	seq := 0
	f.svc = New(f.repo, Options{
		GuestTTL:    24 * time.Hour,
		MaxAttempts: 3,
		Events:      f.events,
		Metrics:     metrics.NewCartMetrics(prometheus.NewRegistry()),
		Now:         func() time.Time { return f.now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) guestCart(t *testing.T, sessionID string, lines ...AddLineInput) *domain.Cart {
	t.Helper()
	return f.fill(t, GuestOwner(sessionID), lines)
}

func (f *fixture) customerCart(t *testing.T, customerID string, lines ...AddLineInput) *domain.Cart {
	t.Helper()
	return f.fill(t, CustomerOwner(customerID), lines)
}

func (f *fixture) fill(t *testing.T, owner Owner, lines []AddLineInput) *domain.Cart {
	t.Helper()
	ctx := context.Background()
	cart, err := f.svc.getOrCreate(ctx, owner)
	require.NoError(t, err)
	for _, in := range lines {
		cart, err = f.svc.AddLine(ctx, owner, in)
		require.NoError(t, err)
	}
	return cart
}

func item(productID string, qty int, price int64) AddLineInput {
	return AddLineInput{ProductID: productID, Quantity: qty, UnitPriceCents: price}
}

func variant(productID, variantID string, qty int, price int64) AddLineInput {
	return AddLineInput{ProductID: productID, VariantID: &variantID, Quantity: qty, UnitPriceCents: price}
}

func lineFor(t *testing.T, cart *domain.Cart, in AddLineInput) domain.CartLine {
	t.Helper()
	i := cart.LineByKey(domain.KeyOf(domain.CartLine{ProductID: in.ProductID, VariantID: in.VariantID}))
	require.GreaterOrEqual(t, i, 0, "line %s missing", in.ProductID)
	return cart.Lines[i]
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("guest cart expires after ttl", func(t *testing.T) {
		f := newFixture(t)
		cart, err := f.svc.GetOrCreateBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.OwnershipGuest, cart.Ownership())
		require.NotNil(t, cart.ExpiresAt)
		assert.Equal(t, f.now.Add(24*time.Hour), *cart.ExpiresAt)
		assert.Empty(t, cart.Lines)

		again, err := f.svc.GetOrCreateBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, cart.ID, again.ID)
	})

	t.Run("customer cart never expires", func(t *testing.T) {
		f := newFixture(t)
		cart, err := f.svc.GetOrCreateByCustomer(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.OwnershipCustomer, cart.Ownership())
		assert.Nil(t, cart.ExpiresAt)
	})

	t.Run("blank owner is invalid input", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetOrCreateBySession(ctx, " ")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = f.svc.GetOrCreateByCustomer(ctx, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("concurrent creator wins", func(t *testing.T) {
		f := newFixture(t)
		f.repo.insertHook = func(ctx context.Context, _ *domain.Cart) {
			session := "s1"
			exp := f.now.Add(time.Hour)
			_, err := f.repo.Repository.Insert(ctx, &domain.Cart{
				ID:        "winner",
				SessionID: &session,
				Currency:  "USD",
				ExpiresAt: &exp,
				CreatedAt: f.now,
				UpdatedAt: f.now,
				Lines:     []domain.CartLine{},
			})
			require.NoError(t, err)
		}

		cart, err := f.svc.GetOrCreateBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "winner", cart.ID)
	})
}

func TestLineMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("adding the same item increments at the captured price", func(t *testing.T) {
		f := newFixture(t)
		f.guestCart(t, "s1", item("P1", 1, 250))
		cart, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 2, 999))
		require.NoError(t, err)

		require.Len(t, cart.Lines, 1)
		assert.Equal(t, 3, cart.Lines[0].Quantity)
		assert.Equal(t, int64(250), cart.Lines[0].UnitPriceCents)
		assert.Equal(t, int64(750), cart.Lines[0].TotalCents)
	})

	t.Run("mutation slides guest expiry", func(t *testing.T) {
		f := newFixture(t)
		f.guestCart(t, "s1")
		f.advance(5 * time.Hour)
		cart, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 1, 100))
		require.NoError(t, err)
		require.NotNil(t, cart.ExpiresAt)
		assert.Equal(t, f.now.Add(24*time.Hour), *cart.ExpiresAt)
		assert.Equal(t, f.now, cart.UpdatedAt)
	})

	t.Run("change and remove", func(t *testing.T) {
		f := newFixture(t)
		cart := f.customerCart(t, "c1", item("P1", 1, 100), item("P2", 1, 200))
		p1 := lineFor(t, cart, item("P1", 0, 0))

		cart, err := f.svc.ChangeLineQuantity(ctx, CustomerOwner("c1"), p1.ID, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(400), lineFor(t, cart, item("P1", 0, 0)).TotalCents)

		cart, err = f.svc.RemoveLine(ctx, CustomerOwner("c1"), p1.ID)
		require.NoError(t, err)
		require.Len(t, cart.Lines, 1)
		assert.Equal(t, "P2", cart.Lines[0].ProductID)

		_, err = f.svc.ChangeLineQuantity(ctx, CustomerOwner("c1"), "missing", 1)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("bad input", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("", 1, 100))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 0, 100))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = f.svc.AddLine(ctx, Owner{SessionID: "s1", CustomerID: "c1"}, item("P1", 1, 100))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("quantities past the line limit are invalid input", func(t *testing.T) {
		f := newFixture(t)
		cart := f.guestCart(t, "s1", item("P1", domain.MaxLineQuantity-1, 1))
		line := lineFor(t, cart, item("P1", 0, 0))

		_, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P2", domain.MaxLineQuantity+1, 1))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 2, 1))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.NotErrorIs(t, err, domain.ErrTransient)

		_, err = f.svc.ChangeLineQuantity(ctx, GuestOwner("s1"), line.ID, domain.MaxLineQuantity+1)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		cart, err = f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 1, 1))
		require.NoError(t, err)
		assert.Equal(t, domain.MaxLineQuantity, lineFor(t, cart, item("P1", 0, 0)).Quantity)
	})

	t.Run("conflicting write is retried", func(t *testing.T) {
		f := newFixture(t)
		f.guestCart(t, "s1")
		f.repo.saveHook = func(ctx context.Context, cart *domain.Cart) error {
			f.repo.saveHook = nil
			current, err := f.repo.Repository.GetByID(ctx, cart.ID)
			require.NoError(t, err)
			_, err = f.repo.Repository.Save(ctx, current)
			require.NoError(t, err)
			return nil
		}

		cart, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 1, 100))
		require.NoError(t, err)
		require.Len(t, cart.Lines, 1)
		assert.Equal(t, int64(3), cart.Version)
	})
}

func TestMergeWithoutGuestCart(t *testing.T) {
	ctx := context.Background()

	t.Run("existing customer cart is returned unchanged", func(t *testing.T) {
		f := newFixture(t)
		existing := f.customerCart(t, "c1", item("P1", 1, 100))

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s-unknown", "c1")
		require.NoError(t, err)
		assert.Equal(t, existing.ID, cart.ID)
		assert.Equal(t, existing.Version, cart.Version)
		assert.Len(t, cart.Lines, 1)
	})

	t.Run("customer cart is created", func(t *testing.T) {
		f := newFixture(t)
		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "", "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.OwnershipCustomer, cart.Ownership())
		assert.Empty(t, cart.Lines)
		assert.Empty(t, f.events.events)
	})

	t.Run("blank customer is invalid input", func(t *testing.T) {
		f := newFixture(t)
		f.guestCart(t, "s1", item("P1", 1, 100))
		_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "  ")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = f.repo.GetBySession(ctx, "s1")
		assert.NoError(t, err, "guest cart untouched")
	})
}

func TestMergePromotesGuestCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	guest := f.guestCart(t, "s1", item("P1", 2, 300))

	cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	require.NoError(t, err)

	assert.Equal(t, guest.ID, cart.ID)
	assert.Equal(t, domain.OwnershipCustomer, cart.Ownership())
	assert.Nil(t, cart.SessionID)
	assert.Nil(t, cart.ExpiresAt)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, guest.Lines[0], cart.Lines[0])

	_, err = f.repo.GetBySession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	byCustomer, err := f.repo.GetByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, guest.ID, byCustomer.ID)
	assert.Equal(t, []events.Type{events.CartPromoted}, f.events.types())
}

func TestMergeFoldsGuestLines(t *testing.T) {
	ctx := context.Background()

	t.Run("matching lines add quantities at the customer price", func(t *testing.T) {
		f := newFixture(t)
		customer := f.customerCart(t, "c1", item("P1", 3, 10))
		f.guestCart(t, "s1", item("P1", 2, 9))

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)

		assert.Equal(t, customer.ID, cart.ID)
		require.Len(t, cart.Lines, 1)
		assert.Equal(t, 5, cart.Lines[0].Quantity)
		assert.Equal(t, int64(10), cart.Lines[0].UnitPriceCents)
		assert.Equal(t, int64(50), cart.Lines[0].TotalCents)
		assert.True(t, cart.HasAbsorbed(f.mustGuestID(t, "s1", cart)))
	})

	t.Run("distinct lines move over untouched", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", item("P1", 1, 100))
		f.advance(time.Minute)
		guest := f.guestCart(t, "s1", variant("P2", "red", 1, 500))
		moved := guest.Lines[0]

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)

		require.Len(t, cart.Lines, 2)
		got := lineFor(t, cart, variant("P2", "red", 0, 0))
		assert.Equal(t, moved.ID, got.ID)
		assert.Equal(t, moved.UnitPriceCents, got.UnitPriceCents)
		assert.Equal(t, moved.AddedAt, got.AddedAt)
		assert.Equal(t, cart.ID, got.CartID)
		assert.Equal(t, int64(600), cart.TotalCents())
	})

	t.Run("missing variant differs from empty variant", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", variant("P1", "", 2, 100))
		f.guestCart(t, "s1", item("P1", 1, 100))

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)
		assert.Len(t, cart.Lines, 2)
		assert.Equal(t, 3, cart.TotalQuantity())
	})

	t.Run("exactly one cart survives", func(t *testing.T) {
		f := newFixture(t)
		customer := f.customerCart(t, "c1", item("P1", 1, 100))
		guest := f.guestCart(t, "s1", item("P2", 1, 100))

		_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)

		_, err = f.repo.GetBySession(ctx, "s1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = f.repo.GetByID(ctx, guest.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		got, err := f.repo.GetByCustomer(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, customer.ID, got.ID)
		assert.Equal(t, []events.Type{events.CartMerged}, f.events.types())
	})

	t.Run("repeating a merge changes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", item("P1", 3, 10))
		f.guestCart(t, "s1", item("P1", 2, 10))

		first, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)
		second, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Version, second.Version)
		assert.Equal(t, first.Lines, second.Lines)
	})
}

// mustGuestID finds the guest cart id recorded in a merged customer cart.
func (f *fixture) mustGuestID(t *testing.T, sessionID string, merged *domain.Cart) string {
	t.Helper()
	require.Len(t, merged.Absorbed, 1, "merge of %s not recorded", sessionID)
	return merged.Absorbed[0].CartID
}

func TestMergeResumesAfterGuestDeleteFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.customerCart(t, "c1", item("P1", 3, 10))
	guest := f.guestCart(t, "s1", item("P1", 2, 10), item("P2", 1, 40))

	f.repo.deleteErr = errors.New("connection reset")
	f.repo.deleteFails = 1
	_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)

	// The customer side is committed; the guest cart still exists.
	_, err = f.repo.GetBySession(ctx, "s1")
	require.NoError(t, err)

	cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, lineFor(t, cart, item("P1", 0, 0)).Quantity, "quantities not doubled")
	assert.Equal(t, 1, lineFor(t, cart, item("P2", 0, 0)).Quantity)
	assert.True(t, cart.HasAbsorbed(guest.ID))

	_, err = f.repo.GetByID(ctx, guest.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []events.Type{events.CartMerged}, f.events.types())
}

func TestMergeFoldsGuestChangesAfterPartialMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("changes made before the retry", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", item("P1", 3, 10))
		guest := f.guestCart(t, "s1", item("P1", 2, 10), item("P2", 1, 40))

		f.repo.deleteErr = errors.New("connection reset")
		f.repo.deleteFails = 1
		_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.ErrorIs(t, err, domain.ErrTransient)

		f.advance(time.Minute)
		_, err = f.svc.AddLine(ctx, GuestOwner("s1"), item("P1", 1, 10))
		require.NoError(t, err)
		_, err = f.svc.AddLine(ctx, GuestOwner("s1"), item("P3", 2, 70))
		require.NoError(t, err)

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)
		assert.Equal(t, 6, lineFor(t, cart, item("P1", 0, 0)).Quantity)
		assert.Equal(t, 1, lineFor(t, cart, item("P2", 0, 0)).Quantity)
		assert.Equal(t, 2, lineFor(t, cart, item("P3", 0, 0)).Quantity)
		assert.Equal(t, int64(6*10+40+2*70), cart.TotalCents())

		_, err = f.repo.GetByID(ctx, guest.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("changes racing the guest delete", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", item("P1", 1, 100))
		guest := f.guestCart(t, "s1", item("P2", 1, 200))

		f.repo.deleteHook = func(ctx context.Context, _ string) {
			_, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P3", 4, 5))
			require.NoError(t, err)
		}

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)
		require.Len(t, cart.Lines, 3)
		assert.Equal(t, 4, lineFor(t, cart, item("P3", 0, 0)).Quantity)

		_, err = f.repo.GetByID(ctx, guest.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, []events.Type{events.CartMerged}, f.events.types())
	})
}

func TestMergeStoreFailureLeavesBothCarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	customer := f.customerCart(t, "c1", item("P1", 1, 100))
	guest := f.guestCart(t, "s1", item("P2", 1, 200))

	boom := errors.New("connection reset")
	f.repo.saves = 0
	f.repo.saveHook = func(_ context.Context, cart *domain.Cart) error {
		if cart.ID == customer.ID {
			return boom
		}
		return nil
	}

	_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, f.repo.saves, "store failures are not retried in place")

	gotGuest, err := f.repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, guest.Version, gotGuest.Version)
	assert.Equal(t, guest.Lines, gotGuest.Lines)
	gotCustomer, err := f.repo.GetByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, customer.Version, gotCustomer.Version)
	assert.Equal(t, customer.Lines, gotCustomer.Lines)
	assert.Empty(t, gotCustomer.Absorbed)
	assert.Empty(t, f.events.types())

	f.repo.saveHook = nil
	cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 2)
	assert.Equal(t, int64(300), cart.TotalCents())
	_, err = f.repo.GetBySession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMergeRejectsQuantityOverflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	customer := f.customerCart(t, "c1", item("P1", domain.MaxLineQuantity-1, 1))
	f.guestCart(t, "s1", item("P1", 5, 1))
	f.repo.saves = 0

	_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.NotErrorIs(t, err, domain.ErrTransient)
	assert.Zero(t, f.repo.saves)

	got, err := f.repo.GetByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, customer.Version, got.Version)
	_, err = f.repo.GetBySession(ctx, "s1")
	assert.NoError(t, err, "guest cart kept")
}

func TestMergeConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent customer write is folded in on retry", func(t *testing.T) {
		f := newFixture(t)
		customer := f.customerCart(t, "c1", item("P1", 1, 100))
		f.guestCart(t, "s1", item("P2", 1, 200))

		f.repo.saveHook = func(ctx context.Context, cart *domain.Cart) error {
			if cart.ID != customer.ID {
				return nil
			}
			f.repo.saveHook = nil
			current, err := f.repo.Repository.GetByID(ctx, cart.ID)
			require.NoError(t, err)
			current.Lines = append(current.Lines, domain.CartLine{
				ID:             "concurrent",
				CartID:         current.ID,
				ProductID:      "P9",
				Quantity:       1,
				UnitPriceCents: 900,
				TotalCents:     900,
				AddedAt:        f.now,
			})
			_, err = f.repo.Repository.Save(ctx, current)
			require.NoError(t, err)
			return nil
		}

		cart, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.NoError(t, err)
		assert.Len(t, cart.Lines, 3)
		assert.Equal(t, int64(1200), cart.TotalCents())
	})

	t.Run("persistent conflicts give up as transient", func(t *testing.T) {
		f := newFixture(t)
		f.customerCart(t, "c1", item("P1", 1, 100))
		f.guestCart(t, "s1", item("P2", 1, 200))
		f.repo.saves = 0
		f.repo.saveHook = func(context.Context, *domain.Cart) error { return domain.ErrConflict }

		_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, 3, f.repo.saves)

		_, err = f.repo.GetBySession(ctx, "s1")
		assert.NoError(t, err, "guest cart kept")
	})
}

func TestMergeRejectsInvalidCarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.guestCart(t, "s1", item("P1", 1, 100))

	customerID := "c1"
	exp := f.now.Add(time.Hour)
	_, err := f.repo.Repository.Insert(ctx, &domain.Cart{
		ID:         "broken",
		CustomerID: &customerID,
		Currency:   "USD",
		ExpiresAt:  &exp,
		CreatedAt:  f.now,
		UpdatedAt:  f.now,
		Lines:      []domain.CartLine{},
	})
	require.NoError(t, err)

	_, err = f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	guest, err := f.repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, guest.Lines, 1)
}

func TestExpireGuestCarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := f.now

	old := f.guestCart(t, "s-old", item("P1", 1, 100))
	f.advance(2 * time.Hour)
	fresh := f.guestCart(t, "s-new")
	customer := f.customerCart(t, "c1", item("P1", 1, 100))

	deleted, err := f.svc.ExpireGuestCarts(ctx, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = f.repo.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.repo.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = f.repo.GetByID(ctx, customer.ID)
	assert.NoError(t, err)

	deleted, err = f.svc.ExpireGuestCarts(ctx, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, []events.Type{events.CartExpired}, f.events.types())
}

func TestExpireGuestCartsLosesToConcurrentWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("promotion after the sweep read", func(t *testing.T) {
		f := newFixture(t)
		start := f.now
		guest := f.guestCart(t, "s1", item("P1", 2, 100))
		f.advance(48 * time.Hour)

		f.repo.getByIDHook = func(ctx context.Context, _ string) {
			_, err := f.svc.MergeGuestCartIntoCustomer(ctx, "s1", "c1")
			require.NoError(t, err)
		}
		deleted, err := f.svc.ExpireGuestCarts(ctx, start.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, deleted)

		cart, err := f.repo.GetByCustomer(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, guest.ID, cart.ID)
		assert.Equal(t, 2, lineFor(t, cart, item("P1", 0, 0)).Quantity)
		assert.Equal(t, []events.Type{events.CartPromoted}, f.events.types())
	})

	t.Run("line added after the sweep read", func(t *testing.T) {
		f := newFixture(t)
		start := f.now
		guest := f.guestCart(t, "s1", item("P1", 1, 100))
		f.advance(48 * time.Hour)

		f.repo.getByIDHook = func(ctx context.Context, _ string) {
			_, err := f.svc.AddLine(ctx, GuestOwner("s1"), item("P2", 1, 50))
			require.NoError(t, err)
		}
		deleted, err := f.svc.ExpireGuestCarts(ctx, start.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, deleted)

		cart, err := f.repo.GetBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, guest.ID, cart.ID)
		assert.Len(t, cart.Lines, 2)
		assert.Empty(t, f.events.types())
	})
}

func TestFindAbandoned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := f.now

	oldest := f.guestCart(t, "s1", item("P1", 1, 100))
	f.advance(time.Hour)
	older := f.customerCart(t, "c1", item("P2", 1, 100))
	f.advance(time.Hour)
	f.guestCart(t, "s-empty")
	f.advance(time.Hour)
	f.guestCart(t, "s-recent", item("P3", 1, 100))

	carts, err := f.svc.FindAbandoned(ctx, start.Add(150*time.Minute))
	require.NoError(t, err)
	require.Len(t, carts, 2)
	assert.Equal(t, oldest.ID, carts[0].ID)
	assert.Equal(t, older.ID, carts[1].ID)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	f.guestCart(t, "s1")
	f.now = f.now.Add(48 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := f.repo.Repository.GetBySession(context.Background(), "s1")
		return errors.Is(err, domain.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
