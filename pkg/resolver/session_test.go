package resolver

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
)

type memStore struct {
	objects map[string]any
	loadErr error
	saveErr error
}

func newMemStore() *memStore { return &memStore{objects: make(map[string]any)} }

func (m *memStore) Load(key string) (any, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	v, ok := m.objects[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return v, nil
}

func (m *memStore) Save(key string, v any) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.objects[key] = v
	return nil
}

type recorder struct {
	NopObserver
	events   []ResultEvent
	ran      []string
	failures int
}

func (r *recorder) NodeResolved(_ context.Context, ev ResultEvent) { r.events = append(r.events, ev) }

func (r *recorder) ModuleRan(_ context.Context, module, _ string, _ time.Duration, _ error) {
	r.ran = append(r.ran, module)
}

func (r *recorder) DiskWriteFailed(string, string, error) { r.failures++ }

func (r *recorder) sources(module string) []Source {
	var out []Source
	for _, ev := range r.events {
		if ev.Module == module {
			out = append(out, ev.Source)
		}
	}
	return out
}

// fixture registers a small data/process pipeline and counts runs.
type fixture struct {
	reg  *pmodule.Registry
	runs map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reg: pmodule.NewRegistry(), runs: make(map[string]int)}
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:                  "data",
		Version:               0.01,
		Defaults:              map[string]any{"x": 1},
		ParameterDependencies: "data_defaults",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			f.runs["data"]++
			return env.P, nil
		},
	}))
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:                  "process",
		Defaults:              map[string]any{"add": 10},
		ResultDependencies:    "data",
		ParameterDependencies: "process_defaults",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			f.runs["process"]++
			d := env.Results["data"].(*params.Tree)
			x, _ := d.GetInt("x")
			add, _ := env.P.GetInt("add")
			return x + add, nil
		},
	}))
	return f
}

func (f *fixture) tree(t *testing.T, sets map[string]any) *params.Tree {
	t.Helper()
	tr, err := f.reg.DefaultTree()
	require.NoError(t, err)
	for k, v := range sets {
		require.NoError(t, tr.Set(k, v))
	}
	return tr
}

func requireClean(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.CheckReferences())
	st := s.Stats()
	assert.Zero(t, st.Nodes)
	assert.Zero(t, st.Buckets)
	assert.Zero(t, st.NonPersistent)
}

func TestSecondCallUsesMemo(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)
	ctx := context.Background()
	tr := f.tree(t, nil)

	first, err := s.GetResult(ctx, tr, "data")
	require.NoError(t, err)
	x, _ := first.(*params.Tree).GetInt("x")
	assert.Equal(t, int64(1), x)

	second, err := s.GetResult(ctx, tr, "data")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.runs["data"])
	requireClean(t, s)
}

func TestResultDependency(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)
	ctx := context.Background()

	r, err := s.GetResult(ctx, f.tree(t, nil), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(11), r)

	r, err = s.GetResult(ctx, f.tree(t, map[string]any{"process.add": 20}), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(21), r)
	assert.Equal(t, 1, f.runs["data"])
	assert.Equal(t, 2, f.runs["process"])

	r, err = s.GetResult(ctx, f.tree(t, map[string]any{"data.x": 5}), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(15), r)
	assert.Equal(t, 2, f.runs["data"])
	assert.Equal(t, 3, f.runs["process"])
	requireClean(t, s)
}

func TestSharedDependencyRunsOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:               "other",
		ResultDependencies: "data",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			return env.Results["data"], nil
		},
	}))
	s := New(f.reg, WithoutResultMemo())

	out, err := s.GetResults(context.Background(), f.tree(t, nil), "process", "other", "data")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(11), out[0])
	assert.Same(t, out[2], out[1])
	assert.Equal(t, 1, f.runs["data"])
	requireClean(t, s)
}

func TestKeysIgnoreInsertionOrder(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)
	ctx := context.Background()

	a := params.New()
	require.NoError(t, a.Set("data.x", 1))
	require.NoError(t, a.Set("data.y", 2))
	require.NoError(t, a.Set("process.add", 3))
	b := params.New()
	require.NoError(t, b.Set("process.add", 3))
	require.NoError(t, b.Set("data.y", 2))
	require.NoError(t, b.Set("data.x", 1))

	ia, err := s.Describe(ctx, a, "process")
	require.NoError(t, err)
	ib, err := s.Describe(ctx, b, "process")
	require.NoError(t, err)
	assert.Equal(t, ia[0].Key, ib[0].Key)
	assert.Len(t, ia[0].Key, params.KeyLength)

	ic, err := s.Describe(ctx, f.tree(t, map[string]any{"data.x": 2}), "process")
	require.NoError(t, err)
	assert.NotEqual(t, ia[0].Key, ic[0].Key)
	assert.Zero(t, f.runs["data"])
	requireClean(t, s)
}

func TestDescribeDependencies(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)

	info, err := s.Describe(context.Background(), f.tree(t, nil), "process")
	require.NoError(t, err)
	require.Len(t, info, 1)
	p := info[0]
	assert.Equal(t, "process", p.Name)
	assert.True(t, p.DiskWritable)
	assert.True(t, p.ResultCacheable)
	require.Len(t, p.Dependencies, 2)
	assert.Equal(t, "data", p.Dependencies[0].Name)
	assert.Equal(t, pmodule.LevelResults, p.Dependencies[0].Level)
	assert.Equal(t, "process_defaults", p.Dependencies[1].Name)
	assert.Equal(t, pmodule.LevelParameters, p.Dependencies[1].Level)

	data, err := s.Describe(context.Background(), f.tree(t, nil), "data")
	require.NoError(t, err)
	assert.Equal(t, data[0].Key, p.Dependencies[0].Key)
	requireClean(t, s)
}

func TestDeclarationOrderDoesNotChangeKeys(t *testing.T) {
	describe := func(deps []string) NodeInfo {
		reg := pmodule.NewRegistry()
		run := func(context.Context, *pmodule.Env) (any, error) { return 1, nil }
		require.NoError(t, reg.Register(pmodule.Spec{Name: "a", Defaults: map[string]any{"v": 1}, Run: run}))
		require.NoError(t, reg.Register(pmodule.Spec{Name: "b", Defaults: map[string]any{"v": 2}, Run: run}))
		require.NoError(t, reg.Register(pmodule.Spec{Name: "top", ResultDependencies: deps, Run: run}))
		tr, err := reg.DefaultTree()
		require.NoError(t, err)
		info, err := New(reg).Describe(context.Background(), tr, "top")
		require.NoError(t, err)
		return info[0]
	}

	ab := describe([]string{"a", "b"})
	ba := describe([]string{"b", "a"})
	assert.Equal(t, ab.Key, ba.Key)
	assert.Equal(t, ab.DependencyKey, ba.DependencyKey)
	assert.Equal(t, ab.Dependencies, ba.Dependencies)
}

func TestVersionChangesLocalKey(t *testing.T) {
	describe := func(version any) NodeInfo {
		reg := pmodule.NewRegistry()
		require.NoError(t, reg.Register(pmodule.Spec{Name: "data", Version: version, Run: func(context.Context, *pmodule.Env) (any, error) {
			return 1, nil
		}}))
		info, err := New(reg).Describe(context.Background(), nil, "data")
		require.NoError(t, err)
		return info[0]
	}
	v1, v1again, v2 := describe(1), describe(1), describe(2)
	assert.Equal(t, v1.Key, v1again.Key)
	assert.Equal(t, v1.ParameterKey, v2.ParameterKey)
	assert.NotEqual(t, v1.LocalKey, v2.LocalKey)
	assert.NotEqual(t, v1.Key, v2.Key)
}

func TestPreprocessTrimsKey(t *testing.T) {
	reg := pmodule.NewRegistry()
	runs := 0
	require.NoError(t, reg.Register(pmodule.Spec{
		Name: "m",
		Preprocess: func(local *params.Tree) (*params.Tree, error) {
			c := local.Copy()
			return c, c.Delete("noise")
		},
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			runs++
			assert.False(t, env.P.Has("noise"))
			return env.P.Len(), nil
		},
	}))
	s := New(reg)
	ctx := context.Background()

	mk := func(noise int) *params.Tree {
		tr, err := params.FromMap(map[string]any{"m": map[string]any{"keep": 1, "noise": noise}})
		require.NoError(t, err)
		return tr
	}
	a, err := s.GetResult(ctx, mk(1), "m")
	require.NoError(t, err)
	b, err := s.GetResult(ctx, mk(2), "m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, runs)
}

func TestDeltaDependencyIsDistinct(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name: "compare",
		ResultDependencies: []any{
			"data",
			pmodule.Delta{Name: "data", Local: map[string]any{"x": 5}, As: "data5"},
		},
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			a, _ := env.Results["data"].(*params.Tree).GetInt("x")
			b, _ := env.Results["data5"].(*params.Tree).GetInt("x")
			return []any{a, b}, nil
		},
	}))
	s := New(f.reg)

	r, err := s.GetResult(context.Background(), f.tree(t, nil), "compare")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(5)}, r)
	assert.Equal(t, 2, f.runs["data"])
	requireClean(t, s)
}

func TestUserErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	f := newFixture(t)
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:               "flaky",
		ResultDependencies: "data",
		Run: func(context.Context, *pmodule.Env) (any, error) {
			if fail {
				return nil, boom
			}
			return "ok", nil
		},
	}))
	s := New(f.reg)
	ctx := context.Background()

	_, err := s.GetResult(ctx, f.tree(t, nil), "flaky")
	assert.Same(t, boom, err)
	requireClean(t, s)

	fail = false
	r, err := s.GetResult(ctx, f.tree(t, nil), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", r)
	assert.Equal(t, 1, f.runs["data"])
	requireClean(t, s)
}

func TestUnknownModule(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)
	_, err := s.GetResult(context.Background(), nil, "missing")
	var ue *pmodule.UnknownModuleError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "missing", ue.Name)
}

func TestLeafAtModuleNameIsConfigError(t *testing.T) {
	f := newFixture(t)
	s := New(f.reg)
	tr := params.New()
	require.NoError(t, tr.Set("data", 3))
	_, err := s.GetResult(context.Background(), tr, "data")
	var ce *pmodule.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestCycleDetected(t *testing.T) {
	reg := pmodule.NewRegistry()
	run := func(context.Context, *pmodule.Env) (any, error) { return nil, nil }
	require.NoError(t, reg.Register(pmodule.Spec{Name: "a", ResultDependencies: "b", Run: run}))
	require.NoError(t, reg.Register(pmodule.Spec{Name: "b", ResultDependencies: "a", Run: run}))
	s := New(reg)

	_, err := s.GetResult(context.Background(), nil, "a")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Path)
	requireClean(t, s)
}

func TestSelfDependencyIgnored(t *testing.T) {
	reg := pmodule.NewRegistry()
	require.NoError(t, reg.Register(pmodule.Spec{
		Name:               "solo",
		ResultDependencies: "solo",
		Run:                func(context.Context, *pmodule.Env) (any, error) { return 1, nil },
	}))
	r, err := New(reg).GetResult(context.Background(), nil, "solo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r)
}

type storeInstance struct {
	destroyed *int
	v         int64
}

func (s *storeInstance) Run(context.Context) (any, error) { return s.v, nil }
func (s *storeInstance) Destroy() { *s.destroyed++ }

func registerStore(t *testing.T, reg *pmodule.Registry, destroyed *int) {
	t.Helper()
	require.NoError(t, reg.Register(pmodule.Spec{
		Name: "store",
		New: func(context.Context, *pmodule.Env) (pmodule.Instance, error) {
			return &storeInstance{destroyed: destroyed, v: 3}, nil
		},
	}))
}

func TestModuleDependencyLifetime(t *testing.T) {
	destroyed := 0
	reg := pmodule.NewRegistry()
	registerStore(t, reg, &destroyed)
	require.NoError(t, reg.Register(pmodule.Spec{
		Name:               "user",
		ModuleDependencies: "store",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			inst := env.Modules["store"].(*storeInstance)
			assert.Zero(t, *inst.destroyed)
			return inst.v*2 + env.Results["store"].(int64), nil
		},
	}))
	s := New(reg)
	ctx := context.Background()

	r, err := s.GetResult(ctx, nil, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(9), r)
	assert.Equal(t, 1, destroyed)
	requireClean(t, s)

	_, err = s.GetResult(ctx, nil, "user")
	require.NoError(t, err)
	assert.Equal(t, 1, destroyed)
	requireClean(t, s)
}

func TestGetModuleRelease(t *testing.T) {
	destroyed := 0
	reg := pmodule.NewRegistry()
	registerStore(t, reg, &destroyed)
	s := New(reg)

	h, err := s.GetModule(context.Background(), nil, "store")
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Result)
	assert.IsType(t, &storeInstance{}, h.Instance)
	assert.Zero(t, destroyed)
	assert.Error(t, s.CheckReferences())

	h.Release()
	h.Release()
	assert.Equal(t, 1, destroyed)
	requireClean(t, s)
}

func TestDynamicRequests(t *testing.T) {
	destroyed := 0
	f := newFixture(t)
	registerStore(t, f.reg, &destroyed)
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name: "dyn",
		Run: func(ctx context.Context, env *pmodule.Env) (any, error) {
			r, err := env.GetResults(ctx, "process")
			if err != nil {
				return nil, err
			}
			p, err := env.GetParameters(ctx, "data")
			if err != nil {
				return nil, err
			}
			x, _ := p.(*params.Tree).GetInt("x")
			m, err := env.GetModule(ctx, "store")
			if err != nil {
				return nil, err
			}
			return r.(int64) + x + m.(*storeInstance).v, nil
		},
	}))
	s := New(f.reg)

	r, err := s.GetResult(context.Background(), f.tree(t, nil), "dyn")
	require.NoError(t, err)
	assert.Equal(t, int64(11+1+3), r)
	assert.Equal(t, 1, destroyed)
	requireClean(t, s)
}

func TestDeclaredDependencyServedFromPulled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:               "again",
		ResultDependencies: "data",
		Run: func(ctx context.Context, env *pmodule.Env) (any, error) {
			r, err := env.GetResults(ctx, "data")
			if err != nil {
				return nil, err
			}
			assert.Same(t, env.Results["data"], r)
			return "ok", nil
		},
	}))
	s := New(f.reg, WithoutResultMemo())
	_, err := s.GetResult(context.Background(), f.tree(t, nil), "again")
	require.NoError(t, err)
	assert.Equal(t, 1, f.runs["data"])
}

func TestDiskCacheAcrossSessions(t *testing.T) {
	f := newFixture(t)
	store := newMemStore()
	ctx := context.Background()

	rec := &recorder{}
	r, err := New(f.reg, WithDiskStore(store, false), WithObserver(rec)).GetResult(ctx, f.tree(t, nil), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(11), r)
	assert.Len(t, store.objects, 2)
	for k := range store.objects {
		assert.True(t, strings.HasPrefix(k, "data/__results__/") || strings.HasPrefix(k, "process/__results__/"), k)
		assert.True(t, strings.HasSuffix(k, "-null"), k)
	}

	rec2 := &recorder{}
	r, err = New(f.reg, WithDiskStore(store, false), WithObserver(rec2)).GetResult(ctx, f.tree(t, nil), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(11), r)
	assert.Equal(t, 1, f.runs["process"])
	assert.Zero(t, f.runs["data"]-1)
	assert.Empty(t, rec2.ran)
	assert.Equal(t, []Source{SourceDisk}, rec2.sources("process"))
}

func TestReadOnlyDiskStore(t *testing.T) {
	f := newFixture(t)
	store := newMemStore()
	_, err := New(f.reg, WithDiskStore(store, true)).GetResult(context.Background(), f.tree(t, nil), "data")
	require.NoError(t, err)
	assert.Empty(t, store.objects)
}

func TestDiskFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t)
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	rec := &recorder{}
	ctx := context.Background()

	r, err := New(f.reg, WithDiskStore(store, false), WithObserver(rec)).GetResult(ctx, f.tree(t, nil), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(11), r)
	assert.Equal(t, 2, rec.failures)

	store.saveErr = nil
	store.loadErr = errors.New("corrupt entry")
	r, err = New(f.reg, WithDiskStore(store, false)).GetResult(ctx, f.tree(t, nil), "process")
	require.NoError(t, err)
	assert.Equal(t, int64(11), r)
	assert.Equal(t, 2, f.runs["process"])
}

func TestDisableCaching(t *testing.T) {
	reg := pmodule.NewRegistry()
	runs := 0
	require.NoError(t, reg.Register(pmodule.Spec{
		Name:           "live",
		DisableCaching: true,
		Run: func(context.Context, *pmodule.Env) (any, error) {
			runs++
			return runs, nil
		},
	}))
	store := newMemStore()
	s := New(reg, WithDiskStore(store, false))
	ctx := context.Background()

	_, err := s.GetResult(ctx, nil, "live")
	require.NoError(t, err)
	r, err := s.GetResult(ctx, nil, "live")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r)
	assert.Empty(t, store.objects)
}

func TestDisableResultCachingKeepsMemo(t *testing.T) {
	reg := pmodule.NewRegistry()
	runs := 0
	require.NoError(t, reg.Register(pmodule.Spec{
		Name: "m",
		DisableResultCaching: func(local *params.Tree) bool {
			v, _ := local.GetBool("volatile")
			return v
		},
		Run: func(context.Context, *pmodule.Env) (any, error) {
			runs++
			return 1, nil
		},
	}))
	store := newMemStore()
	s := New(reg, WithDiskStore(store, false))
	tr := params.New()
	require.NoError(t, tr.Set("m.volatile", true))

	for i := 0; i < 2; i++ {
		_, err := s.GetResult(context.Background(), tr, "m")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runs)
	assert.Empty(t, store.objects)
}

func TestReportOncePerKey(t *testing.T) {
	reg := pmodule.NewRegistry()
	reports := 0
	require.NoError(t, reg.Register(pmodule.Spec{
		Name: "m",
		Run:  func(context.Context, *pmodule.Env) (any, error) { return 1, nil },
		Report: func(global, local *params.Tree, result any) error {
			reports++
			assert.Equal(t, int64(1), result)
			return nil
		},
	}))
	s := New(reg, WithoutResultMemo())
	for i := 0; i < 3; i++ {
		_, err := s.GetResult(context.Background(), nil, "m")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reports)
}

func TestObserverSources(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	s := New(f.reg, WithObserver(rec))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.GetResult(ctx, f.tree(t, nil), "data")
		require.NoError(t, err)
	}
	assert.Equal(t, []Source{SourceRun, SourceMemory}, rec.sources("data"))
	assert.Equal(t, []string{"data"}, rec.ran)
	require.NotEmpty(t, rec.events)
	assert.Equal(t, 0.01, rec.events[0].Version)
}

func TestSharedCacheObject(t *testing.T) {
	reg := pmodule.NewRegistry()
	creates := 0
	shared := []pmodule.CacheOption{pmodule.IgnoreModule(), pmodule.IgnoreLocal(), pmodule.IgnoreDependencies()}
	use := func(_ context.Context, env *pmodule.Env) (any, error) {
		return env.LoadFromCache("table", func() (any, error) {
			creates++
			return []any{1, 2, 3}, nil
		}, shared...)
	}
	require.NoError(t, reg.Register(pmodule.Spec{Name: "a_make", Run: use}))
	require.NoError(t, reg.Register(pmodule.Spec{Name: "b_use", Run: use}))
	require.NoError(t, reg.Register(pmodule.Spec{
		Name:               "top",
		ResultDependencies: []string{"a_make", "b_use"},
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			return env.Results["b_use"], nil
		},
	}))
	s := New(reg)

	r, err := s.GetResult(context.Background(), nil, "top")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, r)
	assert.Equal(t, 1, creates)
	requireClean(t, s)
}

func TestNonPersistentEviction(t *testing.T) {
	check := func(t *testing.T, scratch ...pmodule.CacheOption) any {
		reg := pmodule.NewRegistry()
		opts := append([]pmodule.CacheOption{pmodule.IgnoreModule(), pmodule.IgnoreLocal(), pmodule.IgnoreDependencies()}, scratch...)
		save := func(key int) pmodule.RunFunc {
			return func(_ context.Context, env *pmodule.Env) (any, error) {
				o := append([]pmodule.CacheOption{pmodule.WithKey(key)}, opts...)
				return nil, env.SaveToCache("scratch", key, o...)
			}
		}
		require.NoError(t, reg.Register(pmodule.Spec{Name: "a_first", Run: save(1)}))
		require.NoError(t, reg.Register(pmodule.Spec{Name: "b_second", Run: save(2)}))
		require.NoError(t, reg.Register(pmodule.Spec{
			Name: "c_check",
			Run: func(_ context.Context, env *pmodule.Env) (any, error) {
				one, err := env.InCache("scratch", append([]pmodule.CacheOption{pmodule.WithKey(1)}, opts...)...)
				if err != nil {
					return nil, err
				}
				two, err := env.InCache("scratch", append([]pmodule.CacheOption{pmodule.WithKey(2)}, opts...)...)
				return []any{one, two}, err
			},
		}))
		require.NoError(t, reg.Register(pmodule.Spec{
			Name:               "top",
			ResultDependencies: []string{"a_first", "b_second", "c_check"},
			Run: func(_ context.Context, env *pmodule.Env) (any, error) {
				return env.Results["c_check"], nil
			},
		}))
		s := New(reg)
		r, err := s.GetResult(context.Background(), nil, "top")
		require.NoError(t, err)
		requireClean(t, s)
		return r
	}

	t.Run("persistent", func(t *testing.T) {
		assert.Equal(t, []any{true, true}, check(t))
	})
	t.Run("non-persistent", func(t *testing.T) {
		assert.Equal(t, []any{false, true}, check(t, pmodule.NonPersistent()))
	})
}

func TestCacheOutsideScopeIsNotKept(t *testing.T) {
	reg := pmodule.NewRegistry()
	creates := 0
	use := func(_ context.Context, env *pmodule.Env) (any, error) {
		return env.LoadFromCache("table", func() (any, error) {
			creates++
			return 1, nil
		}, pmodule.IgnoreModule(), pmodule.IgnoreLocal(), pmodule.IgnoreDependencies())
	}
	require.NoError(t, reg.Register(pmodule.Spec{Name: "a", Run: use}))
	require.NoError(t, reg.Register(pmodule.Spec{Name: "b", Run: use}))
	s := New(reg)
	ctx := context.Background()

	_, err := s.GetResult(ctx, nil, "a")
	require.NoError(t, err)
	_, err = s.GetResult(ctx, nil, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, creates)
}

func TestContainerKeyAndPath(t *testing.T) {
	c := newContainer(scope{module: "m", local: "lk"}, "table", "", true, true)
	assert.Equal(t, "m-table-lk-null-null", c.Key())
	assert.Equal(t, "m/table/lk-null-null", c.Path())

	g := newContainer(scope{}, "table", "sk", true, true)
	assert.Equal(t, "null/table/null-null-sk", g.Path())

	require.NoError(t, c.Set(1))
	assert.ErrorIs(t, c.Set(2), ErrAlreadySet)
}

func TestNegativeReferencePanics(t *testing.T) {
	s := New(pmodule.NewRegistry())
	n := &node{s: s, name: "x", module: nil}
	assert.Panics(t, func() { n.decreaseParameterReference() })
	assert.Panics(t, func() { n.decreaseResultReference() })
	assert.Panics(t, func() { n.decreaseModuleAccess() })
}

func TestNilResultsAreNotCached(t *testing.T) {
	reg := pmodule.NewRegistry()
	runs := 0
	require.NoError(t, reg.Register(pmodule.Spec{
		Name: "empty",
		Run: func(context.Context, *pmodule.Env) (any, error) {
			runs++
			return nil, nil
		},
	}))
	store := newMemStore()
	s := New(reg, WithDiskStore(store, false))

	for i := 0; i < 2; i++ {
		r, err := s.GetResult(context.Background(), nil, "empty")
		require.NoError(t, err)
		assert.Nil(t, r)
	}
	assert.Equal(t, 2, runs)
	assert.Zero(t, s.Stats().MemoizedResults)
	assert.Empty(t, store.objects)
	requireClean(t, s)
}

func TestHandledNestedFailureReleasesState(t *testing.T) {
	boom := errors.New("boom")
	destroyed := 0
	f := newFixture(t)
	registerStore(t, f.reg, &destroyed)
	fail := func(context.Context, *pmodule.Env) (any, error) { return nil, boom }
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:               "bad",
		ModuleDependencies: "store",
		ResultDependencies: "data",
		Run:                fail,
	}))
	require.NoError(t, f.reg.Register(pmodule.Spec{Name: "broken", Run: fail}))
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name:               "chain",
		ResultDependencies: []string{"broken", "data"},
		Run:                func(context.Context, *pmodule.Env) (any, error) { return 1, nil },
	}))
	require.NoError(t, f.reg.Register(pmodule.Spec{
		Name: "tolerant",
		Run: func(ctx context.Context, env *pmodule.Env) (any, error) {
			_, err := env.GetResults(ctx, "bad")
			assert.ErrorIs(t, err, boom)
			_, err = env.GetResults(ctx, "chain")
			assert.ErrorIs(t, err, boom)
			_, err = env.GetModule(ctx, "broken")
			assert.ErrorIs(t, err, boom)
			return "ok", nil
		},
	}))
	s := New(f.reg)

	r, err := s.GetResult(context.Background(), f.tree(t, nil), "tolerant")
	require.NoError(t, err)
	assert.Equal(t, "ok", r)
	assert.Equal(t, 1, destroyed)
	requireClean(t, s)

	_, err = s.GetResult(context.Background(), f.tree(t, nil), "bad")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, destroyed)
	requireClean(t, s)
}
