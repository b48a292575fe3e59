package service

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/students-api/pkg/errors"
)

type memoryCache struct {
	values  map[string][]byte
	ttls    map[string]time.Duration
	deleted []string
	err     error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	if m.err != nil {
		return m.err
	}
	raw, ok := m.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.values[key] = raw
	m.ttls[key] = ttl
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, keys ...string) error {
	if m.err != nil {
		return m.err
	}
	for _, k := range keys {
		delete(m.values, k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	if m.err != nil {
		return m.err
	}
	for k := range m.values {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.values, k)
			m.deleted = append(m.deleted, k)
		}
	}
	return nil
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := newMemoryCache()
	svc := NewCacheService(repo, nil, 0, nil, false)
	ctx := context.Background()

	svc.Set(ctx, "k", 1, 0)
	var out int
	assert.False(t, svc.Get(ctx, "k", &out))
	assert.Empty(t, repo.values)

	var nilSvc *CacheService
	assert.False(t, nilSvc.Enabled())
	nilSvc.Invalidate(ctx, "k")
}

func TestCacheServiceRoundTripAndMetrics(t *testing.T) {
	repo := newMemoryCache()
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, time.Minute, zap.NewNop(), true)
	ctx := context.Background()

	var out string
	assert.False(t, svc.Get(ctx, StudentCacheKey(1), &out))

	svc.Set(ctx, StudentCacheKey(1), "ada", 0)
	assert.Equal(t, time.Minute, repo.ttls["students:id:1"])
	assert.True(t, svc.Get(ctx, StudentCacheKey(1), &out))
	assert.Equal(t, "ada", out)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheMisses))
}

func TestCacheServiceInvalidate(t *testing.T) {
	repo := newMemoryCache()
	svc := NewCacheService(repo, nil, time.Minute, nil, true)
	ctx := context.Background()

	svc.Set(ctx, StudentCacheKey(1), "a", 0)
	svc.Set(ctx, StudentCacheKey(2), "b", 0)
	svc.Set(ctx, studentListKey, []string{"a", "b"}, 0)

	svc.Invalidate(ctx, StudentCacheKey(1), studentListKey)
	assert.NotContains(t, repo.values, "students:id:1")
	assert.Contains(t, repo.values, "students:id:2")

	svc.InvalidatePattern(ctx, studentCachePrefix+":*")
	assert.Empty(t, repo.values)
}

func TestCacheServiceSwallowsBackendErrors(t *testing.T) {
	repo := newMemoryCache()
	repo.err = errors.New("redis down")
	svc := NewCacheService(repo, nil, time.Minute, nil, true)
	ctx := context.Background()

	var out string
	assert.False(t, svc.Get(ctx, "k", &out))
	svc.Set(ctx, "k", "v", 0)
	svc.Invalidate(ctx, "k")
	svc.InvalidatePattern(ctx, "*")
}
