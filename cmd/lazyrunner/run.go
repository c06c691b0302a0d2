package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/internal/depgraph"
	"github.com/hoytak/lazyrunner/internal/observability"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		tf          treeFlags
		runID       string
		jsonOut     bool
		auditPath   string
		exportGraph bool
		index       bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run MODULE...",
		Short: "Resolve modules and print their results",
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
			req := app.RunRequest{RunID: runID, Modules: args, Tree: t}

			if auditPath != "" {
				audit, err := observability.NewAuditLogger(&observability.AuditConfig{
					Enabled:    true,
					OutputPath: auditPath,
				})
				if err != nil {
					return err
				}
				defer audit.Close()
				req.Audit = audit
			}
			if exportGraph {
				repo, err := rt.GraphRepository(ctx)
				if err != nil {
					return err
				}
				if repo == nil {
					return errors.New("--export-graph needs graph.neo4j_uri")
				}
				defer repo.Close(context.Background())
				req.Graph = repo
			}
			if index {
				repo, embedder, err := rt.Catalog(ctx)
				if err != nil {
					return err
				}
				if repo == nil {
					return errors.New("--index needs catalog.qdrant_host")
				}
				defer repo.Close()
				req.Catalog, req.Embedder = repo, embedder
			}

			report, err := rt.Run(ctx, req)
			out := cmd.OutOrStdout()
			if err != nil {
				if report != nil && !jsonOut && !quiet {
					report.Metrics.PrintSummary(cmd.ErrOrStderr())
				}
				return err
			}

			if jsonOut {
				return writeJSON(out, args, report)
			}
			printResults(out, args, report)
			if !quiet {
				fmt.Fprintln(out)
				report.Metrics.PrintSummary(out)
			}
			return nil
		},
	}

	tf.bind(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (random when empty)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results and metrics as JSON")
	cmd.Flags().StringVar(&auditPath, "audit", "", "Append audit events to this file (or stdout/stderr)")
	cmd.Flags().BoolVar(&exportGraph, "export-graph", false, "Store the resolution graph in Neo4j")
	cmd.Flags().BoolVar(&index, "index", false, "Index resolved parameter trees in Qdrant")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print results only")
	return cmd
}

func printResults(w io.Writer, modules []string, report *app.RunReport) {
	fmt.Fprintln(w, TitleStyle.Render("Results")+" "+SubtitleStyle.Render(report.RunID))
	sources := make(map[string]string)
	for _, n := range report.Resolution.Nodes {
		if n.Kind == depgraph.NodeModule && n.Source != "" {
			sources[n.Name] = n.Source
		}
	}
	rows := make([][]string, 0, len(modules))
	for i, m := range modules {
		src := sources[m]
		if src == "" {
			src = resolver.SourceMemory.String()
		}
		rows = append(rows, []string{m, sourceStyle(src).Render(src), formatResult(report.Results[i])})
	}
	printTable(w, []string{"MODULE", "SOURCE", "RESULT"}, rows)
}

// formatResult renders a result on one line.
func formatResult(v any) string {
	s := fmt.Sprintf("%v", v)
	if data, err := json.Marshal(v); err == nil {
		s = string(data)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

type runOutput struct {
	RunID   string          `json:"run_id"`
	Results map[string]any  `json:"results"`
	Graph   *depgraph.Graph `json:"graph"`
	Metrics json.RawMessage `json:"metrics"`
}

func writeJSON(w io.Writer, modules []string, report *app.RunReport) error {
	m, err := report.Metrics.JSON()
	if err != nil {
		return err
	}
	out := runOutput{RunID: report.RunID, Results: make(map[string]any), Graph: report.Resolution, Metrics: m}
	for i, name := range modules {
		out.Results[name] = jsonable(report.Results[i])
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// jsonable replaces values encoding/json rejects with their printed form.
func jsonable(v any) any {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
