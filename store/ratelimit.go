package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    PersistedCache
	limiter *rate.Limiter
}

var _ PersistedCache = (*rateLimited)(nil)

// NewRateLimited wraps next so that every call spends a token from limiter.
// Calls made without a token available fail immediately with an error marked
// ErrRateLimited, the way a throttling remote API would reject them.
func NewRateLimited(next PersistedCache, limiter *rate.Limiter) PersistedCache {
	return &rateLimited{next: next, limiter: limiter}
}

func (r *rateLimited) allow(op Op) error {
	if r.limiter.Allow() {
		return nil
	}
	return RateLimited(errors.Newf("store: rate limit exceeded on %s", op))
}

func (r *rateLimited) Filter(ctx context.Context, key string) ([]Record, error) {
	if err := r.allow(OpFilter); err != nil {
		return nil, err
	}
	return r.next.Filter(ctx, key)
}

func (r *rateLimited) Create(ctx context.Context, rec Record) (Record, error) {
	if err := r.allow(OpCreate); err != nil {
		return Record{}, err
	}
	return r.next.Create(ctx, rec)
}

func (r *rateLimited) Update(ctx context.Context, id string, rec Record) (Record, error) {
	if err := r.allow(OpUpdate); err != nil {
		return Record{}, err
	}
	return r.next.Update(ctx, id, rec)
}

func (r *rateLimited) Delete(ctx context.Context, id string) error {
	if err := r.allow(OpDelete); err != nil {
		return err
	}
	return r.next.Delete(ctx, id)
}

func (r *rateLimited) Close() error {
	return r.next.Close()
}
