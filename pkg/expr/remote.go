package expr

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RemoteLoader resolves #('id') references inside expressions.
type RemoteLoader interface {
	Load(ctx context.Context, id string) (any, error)
}

type RemoteLoaderFunc func(ctx context.Context, id string) (any, error)

func (f RemoteLoaderFunc) Load(ctx context.Context, id string) (any, error) {
	return f(ctx, id)
}

func asRemoteLoader(v any) (RemoteLoader, bool) {
	switch l := v.(type) {
	case RemoteLoader:
		return l, true
	case func(ctx context.Context, id string) (any, error):
		return RemoteLoaderFunc(l), true
	case func(id string) (any, error):
		return RemoteLoaderFunc(func(_ context.Context, id string) (any, error) { return l(id) }), true
	}
	return nil, false
}

// LoadAll loads ids concurrently and returns the values in the order of ids.
func LoadAll(ctx context.Context, loader RemoteLoader, ids []string) ([]any, error) {
	values := make([]any, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			v, err := loader.Load(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "could not load resource %s", id)
			}
			values[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// CachedLoader memoizes a RemoteLoader for a fixed TTL. Failed loads are not cached.
type CachedLoader struct {
	loader RemoteLoader
	cache  *cache.Cache
	ttl    time.Duration
}

var _ RemoteLoader = (*CachedLoader)(nil)

func NewCachedLoader(loader RemoteLoader, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		loader: loader,
		cache:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

func (c *CachedLoader) Load(ctx context.Context, id string) (any, error) {
	if v, ok := c.cache.Get(id); ok {
		return v, nil
	}
	v, err := c.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, v, c.ttl)
	return v, nil
}

// Forget drops a cached resource so that the next load refetches it.
func (c *CachedLoader) Forget(id string) {
	c.cache.Delete(id)
}
