package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hoytak/lazyrunner/internal/diskcache"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

const previewLimit = 200

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Session *resolver.Session
	Logger  *slog.Logger
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

// ResolveActivity resolves the requested modules in the worker's session.
func ResolveActivity(ctx context.Context, input ResolveInput) (ResolveOutput, error) {
	if deps == nil || deps.Session == nil {
		return ResolveOutput{}, errors.New("worker dependencies not set")
	}
	if len(input.Modules) == 0 {
		return ResolveOutput{}, errors.New("no modules requested")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	tree, err := diskcache.UnmarshalTree(input.Parameters)
	if err != nil {
		return ResolveOutput{}, err
	}

	start := time.Now()
	infos, err := deps.Session.Describe(ctx, tree, input.Modules...)
	if err != nil {
		return ResolveOutput{}, err
	}
	results, err := deps.Session.GetResults(ctx, tree, input.Modules...)
	if err != nil {
		log.Error("resolution failed", "run_id", input.RunID, "modules", input.Modules, "error", err)
		return ResolveOutput{}, err
	}

	out := ResolveOutput{RunID: input.RunID, Duration: time.Since(start)}
	for i, r := range results {
		out.Results = append(out.Results, ResultSummary{
			Module:  infos[i].Name,
			Key:     infos[i].Key,
			Type:    fmt.Sprintf("%T", r),
			Preview: preview(r),
		})
	}
	log.Info("resolution finished", "run_id", input.RunID, "modules", input.Modules, "duration", out.Duration)
	return out, nil
}

func preview(v any) string {
	s := ""
	if data, err := json.Marshal(v); err == nil {
		s = string(data)
	} else {
		s = fmt.Sprint(v)
	}
	if len(s) > previewLimit {
		s = s[:previewLimit] + "..."
	}
	return s
}
