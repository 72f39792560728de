// repomap renders a token-budgeted, PageRank-ordered map of a repository's
// definitions for use as language model context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/repomap/internal/config"
	"github.com/phobologic/repomap/internal/discover"
	"github.com/phobologic/repomap/internal/lang"
	"github.com/phobologic/repomap/internal/repomap"
	"github.com/phobologic/repomap/internal/telemetry"
	"github.com/phobologic/repomap/internal/tokens"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

// app carries the global flags and the state derived from them.
type app struct {
	stdout, stderr io.Writer

	configPath string
	verbose    bool
	langs      []string
	format     string
	model      string

	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "repomap [path]",
		Short: "Render a ranked, token-budgeted map of a repository",
		Long: `repomap parses source files with tree-sitter, ranks them with PageRank over
the graph of cross-file symbol references, and renders the most important
definitions as a compact outline that fits in a token budget.

Running repomap without a subcommand is the same as "repomap map".`,
		Args:              cobra.MaximumNArgs(1),
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(cmd.Context())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("repomap {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultFile, "config file path")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")
	pf.StringSliceVarP(&a.langs, "langs", "l", nil, "comma-separated languages to include")
	pf.StringVarP(&a.format, "format", "f", "", "output format: text, toon or json")
	pf.StringVar(&a.model, "model", "", "model name used to pick the token counter")

	mapCmd := newMapCmd(a)
	root.Flags().AddFlagSet(mapCmd.Flags())
	root.RunE = mapCmd.RunE

	root.AddCommand(
		mapCmd,
		newRankedCmd(a),
		newTagsCmd(a),
		newBlocksCmd(a),
		newWatchCmd(a),
		newInitCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if len(a.langs) > 0 {
		supported := lang.Names()
		var names []string
		for _, name := range a.langs {
			name = strings.ToLower(strings.TrimSpace(name))
			if !contains(supported, name) {
				return fmt.Errorf("unsupported language %q (supported: %s)", name, strings.Join(supported, ", "))
			}
			names = append(names, name)
		}
		cfg.Discover.Languages = names
	}
	if a.model != "" {
		cfg.Tokens.Model = a.model
	}
	a.cfg = cfg
	a.logger = cfg.Log.NewLogger(a.stderr, a.verbose)

	t := cfg.Telemetry
	a.shutdown, err = telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    t.OTLPEndpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
	})
	if err != nil {
		return err
	}
	if t.OTLPEndpoint != "" {
		a.logger.Debug("exporting traces", "endpoint", t.OTLPEndpoint)
	}
	return nil
}

// resolveRoot returns the absolute repository root named by args.
func resolveRoot(args []string) (string, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("root path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", root)
	}
	return root, nil
}

// engine builds a map engine for root from the loaded config.
func (a *app) engine(root string) (*repomap.RepoMap, error) {
	m := a.cfg.Map
	return repomap.New(root,
		repomap.WithSettings(repomap.Settings{
			TokenLimit:            m.TokenLimit,
			MaxContextWindow:      m.MaxContextWindow,
			Verbose:               a.verbose,
			ExcludeUnranked:       m.ExcludeUnranked,
			HideChatFiles:         a.cfg.Rank.HideChatFiles,
			NoChatMultiplier:      m.NoChatMultiplier,
			ContextWindowFraction: m.ContextWindowFraction,
			MaxProbes:             m.MaxProbes,
			MaxLineLength:         m.MaxLineLength,
		}),
		repomap.WithWeights(a.cfg.Rank.Weights),
		repomap.WithPageRank(a.cfg.Rank.PageRank),
		repomap.WithCacheSize(a.cfg.Cache.MaxEntries),
		repomap.WithMaxFileSize(a.cfg.Discover.MaxFileSize),
		repomap.WithLanguages(a.cfg.Discover.Languages...),
		repomap.WithCounter(tokens.ForModel(a.cfg.Tokens.Model)),
		repomap.WithLogger(a.logger),
	)
}

// discover lists the parseable files under root, relative and slash-separated.
func (a *app) discover(root string) ([]string, error) {
	d := a.cfg.Discover
	entries, err := discover.Files(root, discover.Options{
		Languages:   d.Languages,
		Exclude:     d.Exclude,
		MaxFileSize: d.MaxFileSize,
		SkipTests:   d.SkipTests,
	})
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}
	if len(entries) == 0 {
		return nil, errNoFiles
	}
	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.Path
	}
	a.logger.Debug("discovered files", "root", root, "count", len(files))
	return files, nil
}

var errNoFiles = errors.New("no parseable files found")

// outputFormat returns the requested format, or def when none was given.
func (a *app) outputFormat(def string, allowed ...string) (string, error) {
	f := strings.ToLower(a.format)
	if f == "" {
		return def, nil
	}
	if !contains(allowed, f) {
		return "", fmt.Errorf("unsupported format %q (want one of %s)", f, strings.Join(allowed, ", "))
	}
	return f, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
