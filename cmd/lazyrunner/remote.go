package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/hoytak/lazyrunner/internal/catalog"
	"github.com/hoytak/lazyrunner/internal/diskcache"
	"github.com/hoytak/lazyrunner/internal/temporal"
)

func newCatalogCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query the catalog of indexed results",
	}
	cmd.AddCommand(newCatalogSearchCmd(g))
	return cmd
}

func newCatalogSearchCmd(g *globals) *cobra.Command {
	var (
		tf     treeFlags
		module string
		branch string
		top    int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find indexed results whose parameters resemble the given tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			repo, embedder, err := rt.Catalog(ctx)
			if err != nil {
				return err
			}
			if repo == nil {
				return errors.New("catalog search needs catalog.qdrant_host")
			}
			defer repo.Close()

			t, err := tree(rt, &tf)
			if err != nil {
				return err
			}
			if branch == "" {
				branch = module
			}
			if branch != "" {
				b, ok := t.Branch(branch)
				if !ok {
					return fmt.Errorf("no branch %q in the parameter tree", branch)
				}
				t = b
			}

			matches, err := catalog.Similar(ctx, embedder, repo, t, top, module)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(matches))
			for _, m := range matches {
				rows = append(rows, []string{
					fmt.Sprintf("%.3f", m.Score),
					m.Module,
					short(m.Key),
					SubtitleStyle.Render(m.RunID),
					summarize(m.Metadata),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"SCORE", "MODULE", "KEY", "RUN", "PARAMETERS"}, rows)
			return nil
		},
	}
	tf.bind(cmd)
	cmd.Flags().StringVarP(&module, "module", "m", "", "Restrict matches to one module")
	cmd.Flags().StringVar(&branch, "branch", "", "Parameter branch to compare (defaults to --module)")
	cmd.Flags().IntVarP(&top, "top", "k", 10, "Number of matches")
	return cmd
}

// summarize renders catalog metadata as sorted k=v pairs.
func summarize(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	s := strings.Join(parts, " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func newSubmitCmd(g *globals) *cobra.Command {
	var (
		tf      treeFlags
		runID   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit MODULE...",
		Short: "Resolve modules on a Temporal worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			t, err := tree(rt, &tf)
			if err != nil {
				return err
			}
			data, err := diskcache.MarshalTree(t)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			tc := rt.Config.Temporal
			c, err := temporalclient.Dial(temporalclient.Options{
				HostPort:  tc.Host,
				Namespace: tc.Namespace,
			})
			if err != nil {
				return fmt.Errorf("temporal client: %w", err)
			}
			defer c.Close()

			rt.Logger.Info("submitting", "run_id", runID, "modules", args, "task_queue", tc.TaskQueue)
			out, err := temporal.Submit(ctx, c, tc.TaskQueue, temporal.ResolveInput{
				RunID:      runID,
				Modules:    args,
				Parameters: data,
				Timeout:    timeout,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("Results")+" "+SubtitleStyle.Render(out.RunID+" in "+out.Duration.Round(time.Millisecond).String()))
			rows := make([][]string, 0, len(out.Results))
			for _, r := range out.Results {
				rows = append(rows, []string{r.Module, short(r.Key), SubtitleStyle.Render(r.Type), r.Preview})
			}
			printTable(w, []string{"MODULE", "KEY", "TYPE", "PREVIEW"}, rows)
			return nil
		},
	}
	tf.bind(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (random when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", temporal.DefaultTimeout, "Upper bound on the remote resolution")
	return cmd
}
