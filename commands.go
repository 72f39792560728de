package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/phobologic/repomap/internal/blocks"
	"github.com/phobologic/repomap/internal/config"
	"github.com/phobologic/repomap/internal/lang"
	"github.com/phobologic/repomap/internal/metrics"
	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/ranking"
	"github.com/phobologic/repomap/internal/repomap"
	"github.com/phobologic/repomap/internal/toon"
	"github.com/phobologic/repomap/internal/tree"
	"github.com/phobologic/repomap/internal/watch"
)

type mapFlags struct {
	tokens          int
	window          int
	chat            []string
	mentionIdents   []string
	mentionFiles    []string
	excludeUnranked bool
	report          bool
}

func (f *mapFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVarP(&f.tokens, "tokens", "t", 0, "token budget (default from config)")
	fl.IntVar(&f.window, "max-context-window", 0, "model context window; caps the budget at a fraction of it")
	fl.StringSliceVar(&f.chat, "chat", nil, "files already in the conversation; their definitions are always shown")
	fl.StringSliceVar(&f.mentionIdents, "mention", nil, "identifiers mentioned in the conversation")
	fl.StringSliceVar(&f.mentionFiles, "mention-file", nil, "file names mentioned in the conversation")
	fl.BoolVar(&f.excludeUnranked, "exclude-unranked", false, "omit files that have no ranked definitions")
	fl.BoolVar(&f.report, "report", false, "print a fit report to stderr")
}

func (f *mapFlags) request(files []string) repomap.MapRequest {
	return repomap.MapRequest{
		ChatFiles:        f.chat,
		OtherFiles:       files,
		MentionedFnames:  f.mentionFiles,
		MentionedIdents:  f.mentionIdents,
		TokenLimit:       f.tokens,
		MaxContextWindow: f.window,
		ExcludeUnranked:  f.excludeUnranked,
	}
}

func newMapCmd(a *app) *cobra.Command {
	var f mapFlags
	cmd := &cobra.Command{
		Use:   "map [path]",
		Short: "Render the token-budgeted repository map",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat("text", "text", "json")
			if err != nil {
				return err
			}
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			files, err := a.discover(root)
			if err != nil {
				return err
			}
			rm, err := a.engine(root)
			if err != nil {
				return err
			}

			text, rep, err := rm.GetRepoMap(cmd.Context(), f.request(files))
			if err != nil {
				return err
			}
			if f.report {
				writeReport(a.stderr, rep)
			}
			if format == "json" {
				return writeJSON(a.stdout, struct {
					Map    string      `json:"map"`
					Report tree.Report `json:"report"`
				}{text, rep})
			}
			_, _ = fmt.Fprint(a.stdout, text)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func writeReport(w io.Writer, rep tree.Report) {
	_, _ = fmt.Fprintf(w, "tokens %d/%d, files %d/%d, tags %d/%d, probes %d, truncated %t\n",
		rep.Tokens, rep.Budget, rep.FilesShown, rep.FilesTotal, rep.TagsShown, rep.TagsTotal, rep.Probes, rep.Truncated)
}

func newRankedCmd(a *app) *cobra.Command {
	var (
		fileFilter   string
		symbolFilter string
		maxFiles     int
		chat         []string
		mentions     []string
		mentionFiles []string
	)
	cmd := &cobra.Command{
		Use:   "ranked [path]",
		Short: "List ranked definitions, their files and dependencies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat("toon", "toon", "json", "text")
			if err != nil {
				return err
			}
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			files, err := a.discover(root)
			if err != nil {
				return err
			}
			rm, err := a.engine(root)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tags, ranks, err := rm.GetRanking(ctx, repomap.RankRequest{
				ChatFiles:       chat,
				OtherFiles:      files,
				MentionedFnames: mentionFiles,
				MentionedIdents: mentions,
			})
			if err != nil {
				return err
			}
			if fileFilter != "" {
				tags = ranking.FilterByFile(tags, fileFilter)
			}
			if symbolFilter != "" {
				tags = ranking.FilterBySymbol(tags, symbolFilter)
			}
			tags = ranking.SelectFiles(tags, maxFiles)

			deps, err := rm.Dependencies(ctx, files)
			if err != nil {
				return err
			}
			deps = ranking.FilterDependencies(deps, tags)

			switch format {
			case "json":
				return writeJSON(a.stdout, rankedJSON(ranks, tags, deps))
			case "text":
				for _, rt := range tags {
					_, _ = fmt.Fprintf(a.stdout, "%.4f  %s:%d  %s  %s\n",
						rt.Score, rt.Tag.RelFname, rt.Tag.Line, rt.Tag.SymbolKind, qualifiedName(rt.Tag))
				}
				return nil
			default:
				_, _ = fmt.Fprintln(a.stdout, toon.EncodeRanking(toon.Ranking{
					Root:         filepath.Base(root),
					Ranks:        ranks,
					Tags:         tags,
					Dependencies: deps,
				}))
				return nil
			}
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&fileFilter, "file", "", "only files whose path contains this substring")
	fl.StringVar(&symbolFilter, "symbol", "", "only symbols whose name contains this substring")
	fl.IntVarP(&maxFiles, "max-files", "n", 0, "maximum number of files to include")
	fl.StringSliceVar(&chat, "chat", nil, "files already in the conversation")
	fl.StringSliceVar(&mentions, "mention", nil, "identifiers mentioned in the conversation")
	fl.StringSliceVar(&mentionFiles, "mention-file", nil, "file names mentioned in the conversation")
	return cmd
}

func qualifiedName(t model.Tag) string {
	if t.Scope == "" {
		return t.Name
	}
	return t.Scope + "." + t.Name
}

type jsonSymbol struct {
	File      string  `json:"file"`
	Name      string  `json:"name"`
	Scope     string  `json:"scope,omitempty"`
	Kind      string  `json:"kind"`
	Line      int     `json:"line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Signature string  `json:"signature,omitempty"`
}

type jsonFile struct {
	Path string  `json:"path"`
	Rank float64 `json:"rank"`
}

type jsonDependency struct {
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	Symbols []string `json:"symbols"`
}

func rankedJSON(ranks model.FileRanks, tags []model.RankedTag, deps []model.Dependency) any {
	out := struct {
		Files        []jsonFile       `json:"files"`
		Symbols      []jsonSymbol     `json:"symbols"`
		Dependencies []jsonDependency `json:"dependencies"`
	}{
		Files:        []jsonFile{},
		Symbols:      make([]jsonSymbol, 0, len(tags)),
		Dependencies: make([]jsonDependency, 0, len(deps)),
	}
	for _, f := range ranking.ByRank(ranking.FileOrder(tags), ranks) {
		out.Files = append(out.Files, jsonFile{Path: f, Rank: ranks[f]})
	}
	for _, rt := range tags {
		t := rt.Tag
		out.Symbols = append(out.Symbols, jsonSymbol{
			File: t.RelFname, Name: t.Name, Scope: t.Scope, Kind: string(t.SymbolKind),
			Line: t.Line, EndLine: t.EndLine, Score: rt.Score, Signature: t.Signature,
		})
	}
	for _, d := range deps {
		out.Dependencies = append(out.Dependencies, jsonDependency(d))
	}
	return out
}

func newTagsCmd(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "tags <file>...",
		Short: "Print the definitions and references extracted from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat("text", "text", "json")
			if err != nil {
				return err
			}
			absRoot, err := resolveRoot([]string{root})
			if err != nil {
				return err
			}
			rm, err := a.engine(absRoot)
			if err != nil {
				return err
			}

			var all []model.Tag
			for _, f := range args {
				abs, err := filepath.Abs(f)
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(absRoot, abs)
				if err != nil {
					rel = abs
				}
				all = append(all, rm.GetTags(cmd.Context(), abs, filepath.ToSlash(rel))...)
			}

			if format == "json" {
				out := make([]jsonSymbol, 0, len(all))
				for _, t := range all {
					out = append(out, jsonSymbol{
						File: t.RelFname, Name: t.Name, Scope: t.Scope, Kind: string(t.Kind) + ":" + string(t.SymbolKind),
						Line: t.Line, EndLine: t.EndLine, Signature: t.Signature,
					})
				}
				return writeJSON(a.stdout, out)
			}
			for _, t := range all {
				_, _ = fmt.Fprintf(a.stdout, "%s:%d-%d  %s  %s  %s\n",
					t.RelFname, t.Line, t.EndLine, t.Kind, t.SymbolKind, qualifiedName(t))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "repository root that paths are reported relative to")
	return cmd
}

type jsonBlock struct {
	ID string `json:"id,omitempty"`
	model.SemanticBlock
}

func newBlocksCmd(a *app) *cobra.Command {
	var (
		limit     int
		repoID    string
		staleFrom string
	)
	cmd := &cobra.Command{
		Use:   "blocks [path]",
		Short: "Emit ranked definitions as self-contained code blocks",
		Long: `Emit definitions as code blocks for a semantic indexer. With --tokens the
blocks are ranked and cut at the budget; without it every definition is
emitted in file order with a zero rank score. --repo-id adds a stable UUID to
each block. --stale-from reads an earlier JSON output and lists on stderr the
ids it holds that no current block produces, so an index can drop them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat("json", "json", "toon")
			if err != nil {
				return err
			}
			if staleFrom != "" && repoID == "" {
				return errors.New("--stale-from requires --repo-id")
			}
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			files, err := a.discover(root)
			if err != nil {
				return err
			}
			rm, err := a.engine(root)
			if err != nil {
				return err
			}

			var tokenLimit *int
			if cmd.Flags().Changed("tokens") {
				tokenLimit = &limit
			}
			out, err := rm.GetSemanticBlocks(cmd.Context(), files, tokenLimit)
			if err != nil {
				return err
			}
			a.logger.Info("semantic blocks", "count", len(out), "tokens", blocks.Cost(out, rm.Counter()))

			var ids []string
			if repoID != "" {
				ids = make([]string, len(out))
				for i, b := range out {
					ids[i] = blocks.ID(repoID, b).String()
				}
			}
			if staleFrom != "" {
				stored, err := readBlockIDs(staleFrom)
				if err != nil {
					return err
				}
				for _, id := range blocks.Stale(stored, repoID, out) {
					_, _ = fmt.Fprintf(a.stderr, "stale %s\n", id)
				}
			}

			if format == "toon" {
				_, _ = fmt.Fprintln(a.stdout, toon.EncodeBlocks(out, ids))
				return nil
			}
			js := make([]jsonBlock, len(out))
			for i, b := range out {
				js[i].SemanticBlock = b
				if ids != nil {
					js[i].ID = ids[i]
				}
			}
			return writeJSON(a.stdout, js)
		},
	}
	cmd.Flags().IntVarP(&limit, "tokens", "t", 0, "token budget for the blocks")
	cmd.Flags().StringVar(&repoID, "repo-id", "", "repository identifier used to derive block ids")
	cmd.Flags().StringVar(&staleFrom, "stale-from", "", "earlier JSON output whose ids are checked for staleness")
	return cmd
}

// readBlockIDs returns the ids of a JSON block list written by the blocks
// command. Blocks without an id are skipped.
func readBlockIDs(path string) ([]uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var prev []jsonBlock
	if err := json.Unmarshal(data, &prev); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	ids := make([]uuid.UUID, 0, len(prev))
	for _, b := range prev {
		if b.ID == "" {
			continue
		}
		id, err := uuid.Parse(b.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: block %s: %w", path, b.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		f           mapFlags
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Re-render the repository map whenever source files change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			rm, err := a.engine(root)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Watch.MetricsAddr
			}
			if metricsAddr != "" {
				srv := metrics.NewServer(metricsAddr, a.logger)
				srv.Start()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Stop(shutdownCtx)
				}()
			}

			render := func(ctx context.Context) {
				files, err := a.discover(root)
				if err != nil {
					a.logger.Warn("discovery failed", "error", err)
					return
				}
				text, rep, err := rm.GetRepoMap(ctx, f.request(files))
				if err != nil {
					a.logger.Warn("rendering map failed", "error", err)
					return
				}
				if f.report {
					writeReport(a.stderr, rep)
				}
				_, _ = fmt.Fprintln(a.stdout, text)
			}
			render(ctx)

			w, err := watch.New(root, watch.Options{
				Debounce:    a.cfg.Watch.Debounce,
				MinInterval: a.cfg.Watch.MinInterval,
				Filter:      func(p string) bool { return lang.ForPath(p) != nil },
				Cache:       rm.Cache(),
				OnChange: func(ctx context.Context, paths []string) {
					a.logger.Info("files changed", "count", len(paths))
					render(ctx)
				},
				Logger: a.logger,
			})
			if err != nil {
				return err
			}
			a.logger.Info("watching", "root", root)
			return w.Run(ctx)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Encode(a.stdout, a.cfg)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
