package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// missingMarker is cached for accounts with no profile so repeated
// evaluations of unknown accounts do not hammer the repository.
var missingMarker = []byte("!")

// ProfileResolver serves customer profiles through the cache, falling back
// to the repository on misses. It implements domain.ProfileResolver.
type ProfileResolver struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewProfileResolver wires a caching resolver. A zero TTL defaults to ten
// minutes.
func NewProfileResolver(repo domain.Repository, c domain.Cache, ttl time.Duration) *ProfileResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ProfileResolver{repo: repo, cache: c, ttl: ttl}
}

// ResolveProfile returns the account's profile, or nil when none exists.
func (r *ProfileResolver) ResolveProfile(ctx context.Context, accountID string) (*domain.CustomerProfile, error) {
	key := "profile:" + accountID

	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil && data != nil {
			if string(data) == string(missingMarker) {
				return nil, nil
			}
			var p domain.CustomerProfile
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
			// Corrupt entry; fall through to the repository.
			_ = r.cache.Delete(ctx, key)
		}
	}

	p, err := r.repo.GetProfile(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		if r.cache != nil {
			_ = r.cache.Set(ctx, key, missingMarker, r.ttl)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			_ = r.cache.Set(ctx, key, data, r.ttl)
		}
	}
	return p, nil
}

// Invalidate drops the cached entry after a profile write.
func (r *ProfileResolver) Invalidate(ctx context.Context, accountID string) {
	if r.cache != nil {
		_ = r.cache.Delete(ctx, "profile:"+accountID)
	}
}
