package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/internal/depgraph"
	"github.com/hoytak/lazyrunner/internal/paramfile"
)

func newKeysCmd(g *globals) *cobra.Command {
	var tf treeFlags

	cmd := &cobra.Command{
		Use:   "keys MODULE...",
		Short: "Show the cache keys of modules without running them",
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
			infos, err := rt.Describe(ctx, t, args...)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(infos))
			for _, in := range infos {
				cached := SuccessStyle.Render("yes")
				if !in.ResultCacheable {
					cached = WarningStyle.Render("no")
				}
				rows = append(rows, []string{
					in.Name,
					short(in.Key),
					short(in.LocalKey),
					short(in.DependencyKey),
					fmt.Sprint(len(in.Dependencies)),
					cached,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"MODULE", "KEY", "LOCAL", "DEPS KEY", "DEPS", "CACHED"}, rows)
			return nil
		},
	}
	tf.bind(cmd)
	return cmd
}

func newModulesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List registered modules and presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			out := cmd.OutOrStdout()
			reg := rt.Project.Registry
			fmt.Fprintln(out, TitleStyle.Render("Modules"))
			var rows [][]string
			for _, name := range reg.Names() {
				m, _ := reg.Lookup(name)
				version := ""
				if v := m.Version(); v != nil {
					version = fmt.Sprint(v)
				}
				rows = append(rows, []string{name, version, SubtitleStyle.Render(m.Source())})
			}
			printTable(out, []string{"NAME", "VERSION", "SOURCE"}, rows)

			if rt.Project.Presets == nil {
				return nil
			}
			desc := rt.Project.Presets.Describe()
			names := make([]string, 0, len(desc))
			for n := range desc {
				names = append(names, n)
			}
			sort.Strings(names)
			fmt.Fprintln(out)
			fmt.Fprintln(out, TitleStyle.Render("Presets"))
			rows = rows[:0]
			for _, n := range names {
				rows = append(rows, []string{CmdStyle.Render(n), desc[n]})
			}
			printTable(out, []string{"NAME", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

func newParamsCmd(g *globals) *cobra.Command {
	var (
		tf     treeFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "params [BRANCH]",
		Short: "Print the assembled parameter tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			t, err := tree(rt, &tf)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				b, ok := t.Branch(args[0])
				if !ok {
					return fmt.Errorf("no branch %q in the parameter tree", args[0])
				}
				t = b
			}
			data, err := paramfile.Encode(t, paramfile.Format(strings.ToLower(format)))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	tf.bind(cmd)
	cmd.Flags().StringVarP(&format, "format", "o", "yaml", "Output format: yaml, toml or json")
	return cmd
}

func newGraphCmd(g *globals) *cobra.Command {
	var (
		tf      treeFlags
		format  string
		fromRun string
		execute bool
	)

	cmd := &cobra.Command{
		Use:   "graph [MODULE...]",
		Short: "Render the dependency graph of modules",
		Long: `Render the dependency graph of modules as DOT, Mermaid, JSON or a
statistics summary. By default the graph is derived without running
anything; --execute runs the modules first and --run loads a stored run
from Neo4j.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if fromRun == "" && len(args) == 0 {
				return fmt.Errorf("name at least one module or pass --run")
			}
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			var gr *depgraph.Graph
			switch {
			case fromRun != "":
				repo, err := rt.GraphRepository(ctx)
				if err != nil {
					return err
				}
				if repo == nil {
					return fmt.Errorf("--run needs graph.neo4j_uri")
				}
				defer repo.Close(context.Background())
				if gr, err = repo.LoadGraph(ctx, fromRun); err != nil {
					return err
				}
			case execute:
				t, err := tree(rt, &tf)
				if err != nil {
					return err
				}
				report, err := rt.Run(ctx, app.RunRequest{Modules: args, Tree: t})
				if err != nil {
					return err
				}
				gr = report.Resolution
			default:
				t, err := tree(rt, &tf)
				if err != nil {
					return err
				}
				infos, err := rt.Describe(ctx, t, args...)
				if err != nil {
					return err
				}
				gr = depgraph.FromInfos(infos)
			}
			return renderGraph(cmd, gr, format)
		},
	}
	tf.bind(cmd)
	cmd.Flags().StringVar(&format, "format", "dot", "Output format: dot, mermaid, json or stats")
	cmd.Flags().StringVar(&fromRun, "run", "", "Load the graph stored for this run ID")
	cmd.Flags().BoolVar(&execute, "execute", false, "Run the modules and graph the actual resolution")
	return cmd
}

func renderGraph(cmd *cobra.Command, g *depgraph.Graph, format string) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "dot":
		fmt.Fprint(out, depgraph.ExportDOT(g))
	case "mermaid":
		fmt.Fprint(out, depgraph.ExportMermaid(g))
	case "json":
		data, err := depgraph.ExportJSON(g)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "stats":
		fmt.Fprint(out, depgraph.FormatStats(g))
	default:
		return fmt.Errorf("unknown graph format %q (want dot, mermaid, json or stats)", format)
	}
	return nil
}
