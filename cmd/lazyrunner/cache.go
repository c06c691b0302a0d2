package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/internal/diskcache"
	"github.com/hoytak/lazyrunner/internal/metrics"
)

func newCacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clean the disk cache",
	}
	cmd.AddCommand(newCacheStatsCmd(g), newCacheCleanCmd(g))
	return cmd
}

// withStore runs fn against the configured disk cache.
func withStore(cmd *cobra.Command, g *globals, fn func(*app.Runtime, *diskcache.Store) error) error {
	rt, err := g.runtime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	if rt.Store == nil {
		return errors.New("the disk cache is disabled")
	}
	return fn(rt, rt.Store)
}

func newCacheStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entries and size per module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, func(_ *app.Runtime, s *diskcache.Store) error {
				st, err := s.Stats()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, TitleStyle.Render("Cache")+" "+SubtitleStyle.Render(s.Root()))
				rows := make([][]string, 0, len(st.Modules)+1)
				for _, m := range st.Modules {
					rows = append(rows, []string{m.Name, fmt.Sprint(m.Entries), metrics.FormatBytes(m.Bytes)})
				}
				rows = append(rows, []string{
					TitleStyle.Render("total"),
					fmt.Sprint(st.Entries),
					metrics.FormatBytes(st.Bytes),
				})
				printTable(out, []string{"MODULE", "ENTRIES", "SIZE"}, rows)
				return nil
			})
		},
	}
}

func newCacheCleanCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [MODULE...]",
		Short: "Remove cached entries of the named modules, or of all modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, g, func(rt *app.Runtime, s *diskcache.Store) error {
				if rt.Config.Cache.ReadOnly {
					return errors.New("the disk cache is read-only")
				}
				n, err := s.Clean(args...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(fmt.Sprintf("Removed %d entries", n)))
				return nil
			})
		},
	}
}
