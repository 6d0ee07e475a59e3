package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/pgtest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T, cache *StatusCache) *Registry {
	t.Helper()
	return NewRegistry(RegistryDeps{
		Pool:     pgtest.Pool(t),
		Cache:    cache,
		Baseline: database.TenantBaseline(),
		Logger:   zaptest.NewLogger(t),
	})
}

func cleanupTenant(t *testing.T, reg *Registry, id ID) {
	t.Cleanup(func() {
		ctx := context.Background()
		if err := reg.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			t.Logf("cleanup delete %s: %v", id, err)
		}
		if err := reg.Purge(ctx, id); err != nil {
			t.Logf("cleanup purge %s: %v", id, err)
		}
	})
}

func schemaCount(t *testing.T, reg *Registry, id ID) int {
	t.Helper()
	var n int
	err := reg.pool.QueryRow(context.Background(),
		"SELECT count(*) FROM information_schema.schemata WHERE schema_name = $1", id.SchemaName()).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestRegistryConcurrentCreateIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, nil)
	id := ID(pgtest.UniqueTenant("acme"))
	cleanupTenant(t, reg, id)

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, made, err := reg.Create(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if made {
				created++
			}
			if rec.ID != id || rec.SchemaName != id.SchemaName() {
				errs = append(errs, errors.New("unexpected record"))
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, created)
	require.Equal(t, 1, schemaCount(t, reg, id))

	items, err := reg.List(context.Background())
	require.NoError(t, err)
	var found bool
	for _, item := range items {
		if item.ID == id {
			found = true
			require.Equal(t, StatusActive, item.Status)
		}
	}
	require.True(t, found)
}

func TestRegistryDeleteIsSoft(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	id := ID(pgtest.UniqueTenant("soft"))
	cleanupTenant(t, reg, id)

	_, _, err := reg.Create(ctx, id)
	require.NoError(t, err)
	require.NoError(t, reg.EnsureActive(ctx, id))

	require.ErrorIs(t, reg.Purge(ctx, id), ErrStillActive)

	require.NoError(t, reg.Delete(ctx, id))
	require.ErrorIs(t, reg.EnsureActive(ctx, id), ErrNotFound)
	require.ErrorIs(t, reg.Delete(ctx, id), ErrNotFound)
	require.Equal(t, 1, schemaCount(t, reg, id), "soft delete keeps the schema")

	_, _, err = reg.Create(ctx, id)
	require.ErrorIs(t, err, ErrTenantDeleted)

	items, err := reg.List(ctx)
	require.NoError(t, err)
	for _, item := range items {
		require.NotEqual(t, id, item.ID)
	}

	require.NoError(t, reg.Purge(ctx, id))
	require.Equal(t, 0, schemaCount(t, reg, id))
}

func TestRegistryUnknownTenant(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	id := ID(pgtest.UniqueTenant("ghost"))

	_, err := reg.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, reg.EnsureActive(ctx, id), ErrNotFound)
	require.ErrorIs(t, reg.ReplayBaseline(ctx, id), ErrNotFound)
}

func TestStatusCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewStatusCache(client, "test", time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "acme", StatusActive))
	status, ok, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusActive, status)
	require.True(t, mr.Exists("test:tenant:acme:status"))

	require.NoError(t, cache.Set(ctx, "acme", StatusDeleted))
	status, _, err = cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, status)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mr.Set("test:tenant:acme:status", "bogus"))
	_, ok, err = cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.False(t, ok, "unknown values are treated as a miss")
}

func TestNilStatusCacheIsAMiss(t *testing.T) {
	cache := NewStatusCache(nil, "test", time.Minute)
	require.Nil(t, cache)

	_, ok, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.Set(context.Background(), "acme", StatusActive))
}

func TestCachedDeletedStatusBlocksRouting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewStatusCache(client, "test", time.Minute)
	require.NoError(t, cache.Set(context.Background(), "acme", StatusDeleted))

	// A registry without a pool must not touch the database on a cache hit.
	reg := NewRegistry(RegistryDeps{Cache: cache, Logger: zaptest.NewLogger(t)})
	require.ErrorIs(t, reg.EnsureActive(context.Background(), "acme"), ErrNotFound)

	require.NoError(t, cache.Set(context.Background(), "acme", StatusActive))
	require.NoError(t, reg.EnsureActive(context.Background(), "acme"))
}

// A lookup that read "active" before a concurrent delete must not overwrite
// the deleted entry that delete cached afterwards.
func TestStaleActiveDoesNotReplaceDeleted(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewStatusCache(client, "test", time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Remember(ctx, "acme", StatusActive))
	status, ok, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusActive, status)

	require.NoError(t, cache.Set(ctx, "acme", StatusDeleted))
	require.NoError(t, cache.Remember(ctx, "acme", StatusActive))
	status, ok, err = cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusDeleted, status, "deleted tenant cached as active")
	require.Equal(t, time.Minute, mr.TTL("test:tenant:acme:status"))

	reg := NewRegistry(RegistryDeps{Cache: cache, Logger: zaptest.NewLogger(t)})
	require.ErrorIs(t, reg.EnsureActive(ctx, "acme"), ErrNotFound)

	require.NoError(t, cache.Remember(ctx, "beta", StatusActive))
	require.NoError(t, cache.Remember(ctx, "beta", StatusDeleted))
	status, _, err = cache.Get(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, status, "deleted always wins")

	var nilCache *StatusCache
	require.NoError(t, nilCache.Remember(ctx, "acme", StatusActive))
}
