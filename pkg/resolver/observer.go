package resolver

import (
	"context"
	"time"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Source says where a value came from.
type Source int

const (
	SourceMiss Source = iota
	SourceMemory
	SourceDisk
	SourceRun
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceRun:
		return "run"
	}
	return "miss"
}

// ResultEvent describes a node whose result became available.
type ResultEvent struct {
	Module        string
	Version       any
	Key           string
	LocalKey      string
	DependencyKey string
	Parameters    *params.Tree
	Result        any
	Source        Source
	Dependencies  []DependencyRef
}

// Observer receives resolution events. Calls happen on the resolving
// goroutine with the session lock held; implementations must not call
// back into the session.
type Observer interface {
	NodeResolved(ctx context.Context, ev ResultEvent)
	ModuleRan(ctx context.Context, module, key string, d time.Duration, err error)
	CacheLookup(module, object string, src Source)
	DiskWriteFailed(module, object string, err error)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the events of interest.
type NopObserver struct{}

func (NopObserver) NodeResolved(context.Context, ResultEvent) {}
func (NopObserver) ModuleRan(context.Context, string, string, time.Duration, error) {}
func (NopObserver) CacheLookup(string, string, Source) {}
func (NopObserver) DiskWriteFailed(string, string, error) {}

type multiObserver []Observer

func (m multiObserver) NodeResolved(ctx context.Context, ev ResultEvent) {
	for _, o := range m {
		o.NodeResolved(ctx, ev)
	}
}

func (m multiObserver) ModuleRan(ctx context.Context, module, key string, d time.Duration, err error) {
	for _, o := range m {
		o.ModuleRan(ctx, module, key, d, err)
	}
}

func (m multiObserver) CacheLookup(module, object string, src Source) {
	for _, o := range m {
		o.CacheLookup(module, object, src)
	}
}

func (m multiObserver) DiskWriteFailed(module, object string, err error) {
	for _, o := range m {
		o.DiskWriteFailed(module, object, err)
	}
}
