package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"cart-consolidation/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const cartColumns = `id::text, session_id, customer_id, currency, expires_at, created_at, updated_at, version, absorbed`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewPostgres returns a Repository backed by Postgres.
func NewPostgres(pool *pgxpool.Pool, logger *log.Logger) Repository {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &postgresRepo{pool: pool, logger: logger}
}

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, id)
}

func (r *postgresRepo) GetBySession(ctx context.Context, sessionID string) (*domain.Cart, error) {
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE session_id = $1`, sessionID)
}

func (r *postgresRepo) GetByCustomer(ctx context.Context, customerID string) (*domain.Cart, error) {
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE customer_id = $1`, customerID)
}

func (r *postgresRepo) Insert(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	absorbed, err := encodeAbsorbed(cart.Absorbed)
	if err != nil {
		return nil, err
	}
	// ON CONFLICT without a target covers both partial owner indexes.
	cmd, err := tx.Exec(ctx, `
INSERT INTO carts (id, session_id, customer_id, currency, expires_at, created_at, updated_at, version, absorbed)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
ON CONFLICT DO NOTHING
`, cart.ID, nullable(cart.SessionID), nullable(cart.CustomerID), cart.Currency, cart.ExpiresAt,
		cart.CreatedAt, cart.UpdatedAt, absorbed)
	if err != nil {
		r.logger.Printf("cart repo: insert id=%s error=%v", cart.ID, err)
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		return nil, domain.ErrAlreadyExists
	}
	if err := upsertLines(ctx, tx, cart.ID, cart.Lines); err != nil {
		return nil, err
	}

	saved, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, cart.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	r.logger.Printf("cart repo: inserted id=%s owner=%s", saved.ID, saved.Ownership())
	return saved, nil
}

func (r *postgresRepo) Save(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	absorbed, err := encodeAbsorbed(cart.Absorbed)
	if err != nil {
		return nil, err
	}
	cmd, err := tx.Exec(ctx, `
UPDATE carts
SET session_id = $2,
    customer_id = $3,
    currency = $4,
    expires_at = $5,
    updated_at = $6,
    absorbed = $7,
    version = version + 1
WHERE id = $1 AND version = $8
`, cart.ID, nullable(cart.SessionID), nullable(cart.CustomerID), cart.Currency, cart.ExpiresAt,
		cart.UpdatedAt, absorbed, cart.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrConflict
		}
		r.logger.Printf("cart repo: save id=%s error=%v", cart.ID, err)
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM carts WHERE id = $1)`, cart.ID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrConflict
	}

	keep := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		keep = append(keep, line.ID)
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM cart_lines
WHERE cart_id = $1 AND NOT (id::text = ANY($2::text[]))
`, cart.ID, keep); err != nil {
		return nil, err
	}
	if err := upsertLines(ctx, tx, cart.ID, cart.Lines); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, domain.ErrConflict
		}
		return nil, err
	}

	saved, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, cart.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	r.logger.Printf("cart repo: saved id=%s version=%d lines=%d", saved.ID, saved.Version, len(saved.Lines))
	return saved, nil
}

func (r *postgresRepo) Delete(ctx context.Context, id string, version int64) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM carts WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		r.logger.Printf("cart repo: delete id=%s error=%v", id, err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM carts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *postgresRepo) ListExpiredGuests(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id::text
FROM carts
WHERE session_id IS NOT NULL AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at ASC
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepo) ListAbandoned(ctx context.Context, cutoff time.Time) ([]domain.Cart, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+cartColumns+`
FROM carts c
WHERE c.updated_at < $1
  AND EXISTS (SELECT 1 FROM cart_lines l WHERE l.cart_id = c.id)
ORDER BY c.updated_at ASC
`, cutoff)
	if err != nil {
		return nil, err
	}
	var carts []domain.Cart
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		carts = append(carts, *cart)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range carts {
		lines, err := fetchLines(ctx, r.pool, carts[i].ID)
		if err != nil {
			return nil, err
		}
		carts[i].Lines = lines
	}
	r.logger.Printf("cart repo: abandoned cutoff=%s count=%d", cutoff.Format(time.RFC3339), len(carts))
	return carts, nil
}

func upsertLines(ctx context.Context, tx pgx.Tx, cartID string, lines []domain.CartLine) error {
	// Lines moved from another cart keep their id, so the conflict update
	// re-parents them in place. Position keeps the slice order on reload.
	for i, line := range lines {
		if _, err := tx.Exec(ctx, `
INSERT INTO cart_lines (id, cart_id, product_id, variant_id, quantity, unit_price_cents, total_cents, added_at, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET cart_id = EXCLUDED.cart_id,
    quantity = EXCLUDED.quantity,
    unit_price_cents = EXCLUDED.unit_price_cents,
    total_cents = EXCLUDED.total_cents,
    position = EXCLUDED.position
`, line.ID, cartID, line.ProductID, line.VariantID, line.Quantity, line.UnitPriceCents, line.TotalCents, line.AddedAt, i); err != nil {
			return err
		}
	}
	return nil
}

func fetchCart(ctx context.Context, q querier, cartQuery string, args ...any) (*domain.Cart, error) {
	cart, err := scanCart(q.QueryRow(ctx, cartQuery, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	lines, err := fetchLines(ctx, q, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Lines = lines
	return cart, nil
}

func scanCart(row pgx.Row) (*domain.Cart, error) {
	var (
		cart     domain.Cart
		absorbed []byte
	)
	if err := row.Scan(
		&cart.ID,
		&cart.SessionID,
		&cart.CustomerID,
		&cart.Currency,
		&cart.ExpiresAt,
		&cart.CreatedAt,
		&cart.UpdatedAt,
		&cart.Version,
		&absorbed,
	); err != nil {
		return nil, err
	}
	if len(absorbed) > 0 {
		if err := json.Unmarshal(absorbed, &cart.Absorbed); err != nil {
			return nil, fmt.Errorf("decode merge ledger of cart %s: %w", cart.ID, err)
		}
	}
	return &cart, nil
}

func fetchLines(ctx context.Context, q querier, cartID string) ([]domain.CartLine, error) {
	const linesQuery = `
SELECT id::text, cart_id::text, product_id, variant_id, quantity, unit_price_cents, total_cents, added_at
FROM cart_lines
WHERE cart_id = $1
ORDER BY position ASC, added_at ASC, id ASC
`
	rows, err := q.Query(ctx, linesQuery, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []domain.CartLine{}
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(
			&line.ID,
			&line.CartID,
			&line.ProductID,
			&line.VariantID,
			&line.Quantity,
			&line.UnitPriceCents,
			&line.TotalCents,
			&line.AddedAt,
		); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// nullable maps empty owner ids to NULL so the partial unique indexes apply.
func nullable(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// encodeAbsorbed renders the merge ledger for the jsonb column, which is
// never NULL.
func encodeAbsorbed(entries []domain.AbsorbedGuest) ([]byte, error) {
	if entries == nil {
		entries = []domain.AbsorbedGuest{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode merge ledger: %w", err)
	}
	return data, nil
}
