package pmodule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoytak/lazyrunner/pkg/params"
)

type memContainer struct {
	key    string
	loaded bool
	value  any
}

func (c *memContainer) Loaded() bool       { return c.loaded }
func (c *memContainer) Value() (any, bool) { return c.value, c.loaded }
func (c *memContainer) Key() string        { return c.key }
func (c *memContainer) Set(v any) error {
	if c.loaded {
		return errors.New("already set")
	}
	c.loaded, c.value = true, v
	return nil
}

type fakeHost struct {
	requests   []string
	containers map[CacheRequest]*memContainer
}

func (h *fakeHost) Request(_ context.Context, level Level, dep Dependency) (any, error) {
	h.requests = append(h.requests, level.String()+":"+dep.Target())
	if level == LevelModule {
		return funcInstance{}, nil
	}
	return dep.Target(), nil
}

func (h *fakeHost) Container(req CacheRequest) (Container, error) {
	if h.containers == nil {
		h.containers = make(map[CacheRequest]*memContainer)
	}
	c, ok := h.containers[req]
	if !ok {
		c = &memContainer{key: req.Name + "/" + req.Key}
		h.containers[req] = c
	}
	return c, nil
}

func TestEnvDynamicAccess(t *testing.T) {
	h := &fakeHost{}
	env := NewEnv(h, "m", params.New(), params.New(), nil, nil, nil)
	ctx := context.Background()

	r, err := env.GetResults(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, "data", r)

	_, err = env.GetModule(ctx, Direct{Name: "other"})
	require.NoError(t, err)

	_, err = env.GetParameters(ctx, Delta{Name: "third"})
	require.NoError(t, err)

	_, err = env.GetResults(ctx, 12)
	assert.Error(t, err)

	assert.Equal(t, []string{"results:data", "module:other", "parameters:third"}, h.requests)
}

func TestEnvCacheAPI(t *testing.T) {
	h := &fakeHost{}
	env := NewEnv(h, "m", params.New(), params.New(), nil, nil, nil)

	in, err := env.InCache("table")
	require.NoError(t, err)
	assert.False(t, in)

	_, err = env.LoadFromCache("table", nil)
	assert.ErrorIs(t, err, ErrNotCached)

	calls := 0
	create := func() (any, error) { calls++; return 5, nil }
	v, err := env.LoadFromCache("table", create)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = env.LoadFromCache("table", create)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 1, calls)

	in, err = env.InCache("table")
	require.NoError(t, err)
	assert.True(t, in)

	assert.Error(t, env.SaveToCache("table", 6))

	require.NoError(t, env.SaveToCache("table", 6, WithKey("variant", 2)))
	keyed, err := env.Key("table", WithKey("variant", 2))
	require.NoError(t, err)
	assert.Equal(t, "table/"+params.ItemHash("variant", 2), keyed)

	boom := errors.New("boom")
	_, err = env.LoadFromCache("failing", func() (any, error) { return nil, boom })
	assert.Same(t, boom, err)
}

func TestCacheOptions(t *testing.T) {
	req := CacheRequest{DiskWritable: true, Persistent: true}
	for _, o := range []CacheOption{IgnoreModule(), IgnoreLocal(), IgnoreDependencies(), NoDisk(), NonPersistent()} {
		o(&req)
	}
	assert.Equal(t, CacheRequest{
		IgnoreModule:       true,
		IgnoreLocal:        true,
		IgnoreDependencies: true,
	}, req)
}
