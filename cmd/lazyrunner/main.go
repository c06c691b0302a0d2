package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/internal/config"
	"github.com/hoytak/lazyrunner/internal/demo"
	"github.com/hoytak/lazyrunner/pkg/params"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	verbose    bool
	logFormat  string
	cacheDir   string
	readOnly   bool
	noCache    bool
}

// treeFlags select the parameter tree of a request.
type treeFlags struct {
	presets []string
	files   []string
	sets    []string
}

func (f *treeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.presets, "preset", "p", nil, "Preset to apply (repeatable, applied in order)")
	cmd.Flags().StringArrayVarP(&f.files, "param-file", "f", nil, "Parameter file (.yaml, .toml, .json, .hcl)")
	cmd.Flags().StringArrayVarP(&f.sets, "set", "s", nil, "Override a parameter: path=value")
}

func (f *treeFlags) spec() app.TreeSpec {
	return app.TreeSpec{Presets: f.presets, Files: f.files, Sets: f.sets}
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "lazyrunner",
		Short:         "Run processing modules with content-addressed result caching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file path")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text, json or pretty")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "Cache directory (overrides config)")
	pf.BoolVar(&g.readOnly, "read-only", false, "Read the disk cache but never write to it")
	pf.BoolVar(&g.noCache, "no-cache", false, "Disable the disk cache and the result memo")

	rootCmd.AddCommand(
		newRunCmd(g),
		newKeysCmd(g),
		newModulesCmd(g),
		newParamsCmd(g),
		newGraphCmd(g),
		newCacheCmd(g),
		newCatalogCmd(g),
		newSubmitCmd(g),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.cacheDir != "" {
		cfg.Cache.Directory = g.cacheDir
	}
	if g.readOnly {
		cfg.Cache.ReadOnly = true
	}
	if g.noCache {
		cfg.Cache.Disabled = true
	}
	return cfg, nil
}

// runtime builds the runtime for the demo project. The caller closes it.
func (g *globals) runtime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	project, err := demo.New()
	if err != nil {
		return nil, err
	}
	return app.NewRuntime(ctx, cfg, project, os.Stderr)
}

// tree assembles the request tree and freezes it.
func tree(rt *app.Runtime, f *treeFlags) (*params.Tree, error) {
	t, err := rt.Project.Tree(f.spec())
	if err != nil {
		return nil, err
	}
	t.Freeze()
	return t, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "lazyrunner "+app.Version)
		},
	}
}
