package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"cart-consolidation/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	guestExpiryKey = "cart:guest-expiry"
	updatedAtKey   = "cart:updated"
)

func cartKey(id string) string {
	return "cart:" + id
}

func sessionKey(sessionID string) string {
	return "cart:session:" + sessionID
}

func customerKey(customerID string) string {
	return "cart:customer:" + customerID
}

func ownerKey(c *domain.Cart) string {
	switch c.Ownership() {
	case domain.OwnershipGuest:
		return sessionKey(*c.SessionID)
	case domain.OwnershipCustomer:
		return customerKey(*c.CustomerID)
	default:
		return ""
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisRepo struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedis returns a Repository that keeps each cart as one JSON document.
// Owner lookups go through index keys; expiry and recency are sorted sets
// scored in unix milliseconds. Writes use WATCH/MULTI so a concurrent change
// to the cart or its owner key aborts the transaction.
func NewRedis(client *redis.Client, logger *log.Logger) Repository {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &redisRepo{client: client, logger: logger}
}

func (r *redisRepo) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	return loadCart(ctx, r.client, id)
}

func (r *redisRepo) GetBySession(ctx context.Context, sessionID string) (*domain.Cart, error) {
	return r.getByOwner(ctx, sessionKey(sessionID))
}

func (r *redisRepo) GetByCustomer(ctx context.Context, customerID string) (*domain.Cart, error) {
	return r.getByOwner(ctx, customerKey(customerID))
}

func (r *redisRepo) getByOwner(ctx context.Context, key string) (*domain.Cart, error) {
	id, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get owner key %s: %w", key, err)
	}
	return loadCart(ctx, r.client, id)
}

func (r *redisRepo) Insert(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	owner := ownerKey(cart)
	if owner == "" {
		return nil, domain.ErrInvalidState
	}
	stored := cart.Clone()
	stored.Version = 1
	for i := range stored.Lines {
		stored.Lines[i].CartID = stored.ID
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal cart %s: %w", stored.ID, err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, owner, cartKey(stored.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cartKey(stored.ID), data, 0)
			pipe.Set(ctx, owner, stored.ID, 0)
			indexCart(ctx, pipe, stored)
			return nil
		})
		return err
	}, owner, cartKey(stored.ID))
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, domain.ErrAlreadyExists
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			r.logger.Printf("cart redis: insert id=%s error=%v", stored.ID, err)
		}
		return nil, err
	}
	return stored, nil
}

func (r *redisRepo) Save(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	newOwner := ownerKey(cart)
	if newOwner == "" {
		return nil, domain.ErrInvalidState
	}

	var saved *domain.Cart
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := loadCart(ctx, tx, cart.ID)
		if err != nil {
			return err
		}
		if current.Version != cart.Version {
			return domain.ErrConflict
		}
		holder, err := tx.Get(ctx, newOwner).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && holder != cart.ID {
			return domain.ErrConflict
		}

		stored := cart.Clone()
		stored.Version = current.Version + 1
		stored.CreatedAt = current.CreatedAt
		for i := range stored.Lines {
			stored.Lines[i].CartID = stored.ID
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal cart %s: %w", stored.ID, err)
		}
		oldOwner := ownerKey(current)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cartKey(stored.ID), data, 0)
			if oldOwner != "" && oldOwner != newOwner {
				pipe.Del(ctx, oldOwner)
			}
			pipe.Set(ctx, newOwner, stored.ID, 0)
			indexCart(ctx, pipe, stored)
			return nil
		})
		if err != nil {
			return err
		}
		saved = stored
		return nil
	}, cartKey(cart.ID), newOwner)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	r.logger.Printf("cart redis: saved id=%s version=%d lines=%d", saved.ID, saved.Version, len(saved.Lines))
	return saved, nil
}

func (r *redisRepo) Delete(ctx context.Context, id string, version int64) error {
	// Every owner change rewrites the cart document, so watching it covers
	// the owner key read from it.
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := loadCart(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Version != version {
			return domain.ErrConflict
		}
		owner := ownerKey(current)
		var holder string
		if owner != "" {
			h, err := tx.Get(ctx, owner).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			holder = h
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, cartKey(id))
			if holder == id {
				pipe.Del(ctx, owner)
			}
			pipe.ZRem(ctx, guestExpiryKey, id)
			pipe.ZRem(ctx, updatedAtKey, id)
			return nil
		})
		return err
	}, cartKey(id))
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return domain.ErrConflict
		}
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) {
			r.logger.Printf("cart redis: delete id=%s error=%v", id, err)
		}
		return err
	}
	return nil
}

func (r *redisRepo) ListExpiredGuests(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, guestExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range guest expiry: %w", err)
	}
	return ids, nil
}

// ListAbandoned ranges inclusively on the millisecond score and filters on
// the exact timestamp, so carts updated earlier within the cutoff's
// millisecond are kept.
func (r *redisRepo) ListAbandoned(ctx context.Context, cutoff time.Time) ([]domain.Cart, error) {
	ids, err := r.client.ZRangeByScore(ctx, updatedAtKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range updated: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cartKey(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget carts: %w", err)
	}

	var carts []domain.Cart
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c domain.Cart
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			r.logger.Printf("cart redis: decode id=%s err=%v", ids[i], err)
			continue
		}
		if len(c.Lines) == 0 || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		carts = append(carts, c)
	}
	return carts, nil
}

func loadCart(ctx context.Context, g getter, id string) (*domain.Cart, error) {
	data, err := g.Get(ctx, cartKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get cart %s: %w", id, err)
	}
	var c domain.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", id, err)
	}
	if c.Lines == nil {
		c.Lines = []domain.CartLine{}
	}
	return &c, nil
}

func indexCart(ctx context.Context, pipe redis.Pipeliner, c *domain.Cart) {
	pipe.ZAdd(ctx, updatedAtKey, redis.Z{Score: float64(c.UpdatedAt.UnixMilli()), Member: c.ID})
	if c.Ownership() == domain.OwnershipGuest && c.ExpiresAt != nil {
		pipe.ZAdd(ctx, guestExpiryKey, redis.Z{Score: float64(c.ExpiresAt.UnixMilli()), Member: c.ID})
	} else {
		pipe.ZRem(ctx, guestExpiryKey, c.ID)
	}
}
