package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nyatishield/nyati/internal/cache"
	"github.com/nyatishield/nyati/internal/keys"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/safego"
)

// ErrInvalidKey is returned for any credential that does not validate,
// including when the store could not be consulted.
var ErrInvalidKey = errors.New("invalid api key")

const (
	// slowValidation is the latency above which a validation is logged.
	slowValidation = 10 * time.Millisecond

	// lookupTimeout bounds a shared store lookup. The lookup outlives the
	// caller that started it, so it cannot borrow that caller's deadline.
	lookupTimeout = 5 * time.Second
)

// KeyStore is the slice of the store the resolver reads.
type KeyStore interface {
	FindActiveKeysByHint(ctx context.Context, hint string) ([]model.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// Validation describes a credential that passed validation.
type Validation struct {
	KeyID     string
	OwnerID   string
	TargetURL string
	Tier      model.Tier
	CacheHit  bool
	Latency   time.Duration
}

// KeyResolver maps a presented plaintext key to its stored record.
type KeyResolver struct {
	store  KeyStore
	cache  *cache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewKeyResolver returns a resolver backed by store and the given cache.
func NewKeyResolver(store KeyStore, c *cache.Cache, logger *slog.Logger) *KeyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyResolver{store: store, cache: c, logger: logger}
}

// Validate checks plaintext against the cache and then the store.
//
// A cache hit is trusted without re-reading is_active, so a revoked key keeps
// validating until its entry expires. On a miss every active record sharing
// the key's hint is hashed and compared; the first full-hash match wins. Store
// failures reject the key.
func (r *KeyResolver) Validate(ctx context.Context, plaintext string) (*Validation, error) {
	start := time.Now()

	if e, ok := r.cache.Get(plaintext); ok {
		return &Validation{
			KeyID:     e.KeyID,
			OwnerID:   e.OwnerID,
			TargetURL: e.TargetURL,
			Tier:      e.Tier,
			CacheHit:  true,
			Latency:   time.Since(start),
		}, nil
	}

	if err := keys.ValidateFormat(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	hint, err := keys.DeriveHint(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	// Concurrent misses for the same credential share one store round-trip.
	// The flight key is the hint plus the cache index, never the plaintext.
	// Each caller waits on its own context, so one disconnecting client
	// cannot fail the others sharing the flight.
	ch := r.group.DoChan(hint+"|"+plaintextDigest(plaintext), func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.lookup(lctx, plaintext, hint)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}

	e := res.Val.(cache.Entry)
	latency := time.Since(start)
	if latency > slowValidation {
		r.logger.Warn("slow key validation", "hint", hint, "latency_ms", ms(latency))
	}

	id := e.KeyID
	safego.Go(r.logger, "touch api key", func() {
		tctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.store.TouchAPIKey(tctx, id); err != nil {
			r.logger.Debug("touch api key failed", "key_id", id, "error", err)
		}
	})

	return &Validation{
		KeyID:     e.KeyID,
		OwnerID:   e.OwnerID,
		TargetURL: e.TargetURL,
		Tier:      e.Tier,
		Latency:   latency,
	}, nil
}

func (r *KeyResolver) lookup(ctx context.Context, plaintext, hint string) (cache.Entry, error) {
	candidates, err := r.store.FindActiveKeysByHint(ctx, hint)
	if err != nil {
		r.logger.Error("key lookup failed, rejecting request", "hint", hint, "error", err)
		return cache.Entry{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	var (
		match *model.APIKey
		seen  int
	)
	for i := range candidates {
		c := &candidates[i]
		if !c.IsActive {
			continue
		}
		seen++
		// Hash every candidate so timing does not reveal which one matched.
		if keys.ConstantTimeEquals(keys.DeriveHash(plaintext, c.Salt), c.SecretHash) && match == nil {
			match = c
		}
	}
	if seen > 1 {
		r.logger.Warn("hint shared by multiple active keys", "hint", hint, "candidates", seen)
	}
	if match == nil {
		return cache.Entry{}, ErrInvalidKey
	}

	e := cache.Entry{
		KeyID:      match.ID,
		OwnerID:    match.OwnerID,
		TargetURL:  match.TargetURL,
		Tier:       match.Tier,
		Salt:       match.Salt,
		SecretHash: match.SecretHash,
	}
	r.cache.Put(plaintext, e)
	return e, nil
}

func plaintextDigest(plaintext string) string {
	return keys.DeriveHash(plaintext, "")
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
