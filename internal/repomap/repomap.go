// Package repomap ties tag extraction, ranking and budget fitting together
// into the repository map engine.
package repomap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/repomap/internal/blocks"
	"github.com/phobologic/repomap/internal/cache"
	"github.com/phobologic/repomap/internal/graph"
	"github.com/phobologic/repomap/internal/metrics"
	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/parse"
	"github.com/phobologic/repomap/internal/ranking"
	"github.com/phobologic/repomap/internal/telemetry"
	"github.com/phobologic/repomap/internal/tokens"
	"github.com/phobologic/repomap/internal/tree"
)

// ErrInvalidInput reports a caller contract violation such as a negative
// token limit.
var ErrInvalidInput = errors.New("invalid input")

// Settings are the engine-wide defaults for map requests.
type Settings struct {
	TokenLimit            int
	MaxContextWindow      int
	Verbose               bool
	ExcludeUnranked       bool
	HideChatFiles         bool
	NoChatMultiplier      float64
	ContextWindowFraction float64
	MaxProbes             int
	MaxLineLength         int
}

// DefaultSettings returns a 1024 token budget, no context window cap, and
// a context window fraction of 1/8.
func DefaultSettings() Settings {
	return Settings{
		TokenLimit:            1024,
		NoChatMultiplier:      1,
		ContextWindowFraction: 0.125,
		MaxProbes:             tree.DefaultMaxProbes,
		MaxLineLength:         tree.DefaultMaxLineLength,
	}
}

// RepoMap is the map engine for one repository. It is safe for concurrent
// use; requests share its parse cache.
type RepoMap struct {
	root        string
	settings    Settings
	weights     graph.Weights
	pageRank    graph.PageRankConfig
	counter     tokens.Counter
	extractor   cache.Extractor
	cache       *cache.Cache
	cacheSize   int
	maxFileSize int64
	languages   []string
	concurrency int
	logger      *slog.Logger
}

// Option configures a RepoMap.
type Option func(*RepoMap)

// WithSettings replaces the request defaults.
func WithSettings(s Settings) Option {
	return func(m *RepoMap) { m.settings = s }
}

// WithWeights sets the edge multipliers.
func WithWeights(w graph.Weights) Option {
	return func(m *RepoMap) { m.weights = w }
}

// WithPageRank sets the PageRank parameters.
func WithPageRank(cfg graph.PageRankConfig) Option {
	return func(m *RepoMap) { m.pageRank = cfg }
}

// WithCounter sets the token counter.
func WithCounter(c tokens.Counter) Option {
	return func(m *RepoMap) {
		if c != nil {
			m.counter = c
		}
	}
}

// WithExtractor replaces the tree-sitter extractor behind the cache.
func WithExtractor(e cache.Extractor) Option {
	return func(m *RepoMap) { m.extractor = e }
}

// WithCacheSize bounds the parse cache; 0 keeps it unbounded.
func WithCacheSize(n int) Option {
	return func(m *RepoMap) { m.cacheSize = n }
}

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(m *RepoMap) { m.maxFileSize = n }
}

// WithLanguages restricts extraction to the named languages.
func WithLanguages(names ...string) Option {
	return func(m *RepoMap) { m.languages = names }
}

// WithConcurrency sets how many files are extracted in parallel.
func WithConcurrency(n int) Option {
	return func(m *RepoMap) { m.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *RepoMap) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns the engine for the repository at root.
func New(root string, opts ...Option) (*RepoMap, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: empty repository root", ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	m := &RepoMap{
		root:        abs,
		settings:    DefaultSettings(),
		weights:     graph.DefaultWeights(),
		pageRank:    graph.DefaultPageRankConfig(),
		counter:     tokens.ForModel(tokens.DefaultModel),
		concurrency: runtime.GOMAXPROCS(0),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := checkLimits(m.settings.TokenLimit, m.settings.MaxContextWindow); err != nil {
		return nil, err
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	if m.extractor == nil {
		m.extractor = parse.NewExtractor(
			parse.WithMaxFileSize(m.maxFileSize),
			parse.WithLanguages(m.languages...),
			parse.WithLogger(m.logger),
		)
	}

	m.cache, err = cache.New(m.extractor, cache.WithMaxEntries(m.cacheSize))
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return m, nil
}

func checkLimits(tokenLimit, window int) error {
	if tokenLimit < 0 {
		return fmt.Errorf("%w: token limit must be >= 0, got %d", ErrInvalidInput, tokenLimit)
	}
	if window < 0 {
		return fmt.Errorf("%w: max context window must be >= 0, got %d", ErrInvalidInput, window)
	}
	return nil
}

// Root returns the absolute repository root.
func (m *RepoMap) Root() string { return m.root }

// Settings returns the request defaults.
func (m *RepoMap) Settings() Settings { return m.settings }

// Cache returns the engine's parse cache.
func (m *RepoMap) Cache() *cache.Cache { return m.cache }

// Counter returns the engine's token counter.
func (m *RepoMap) Counter() tokens.Counter { return m.counter }

// GetTags returns the tags of one file through the parse cache.
func (m *RepoMap) GetTags(ctx context.Context, absPath, relPath string) []model.Tag {
	return m.cache.Get(ctx, absPath, relPath, false)
}

// RankRequest selects the files to rank and the hints that bias ranking.
type RankRequest struct {
	ChatFiles       []string
	OtherFiles      []string
	MentionedFnames []string
	MentionedIdents []string
	ForceRefresh    bool
	// HideChatFiles drops chat-file tags from the result. The engine
	// setting of the same name applies as well.
	HideChatFiles bool
}

// GetRankedTags ranks the definitions of the requested files, best first.
func (m *RepoMap) GetRankedTags(ctx context.Context, req RankRequest) ([]model.RankedTag, error) {
	tags, _, err := m.GetRanking(ctx, req)
	return tags, err
}

// GetRanking is GetRankedTags that also returns the PageRank score of every
// requested file, including files without ranked tags.
func (m *RepoMap) GetRanking(ctx context.Context, req RankRequest) ([]model.RankedTag, model.FileRanks, error) {
	defer metrics.ObserveRequest("ranked_tags", time.Now())
	ctx, span := telemetry.Start(ctx, "repomap.GetRankedTags")
	defer span.End()

	res, err := m.rank(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("ranked_tags", len(res.ranked)))
	return res.ranked, res.ranks, nil
}

// MapRequest describes one repository map. Zero token values fall back to
// the engine Settings.
type MapRequest struct {
	ChatFiles        []string
	OtherFiles       []string
	MentionedFnames  []string
	MentionedIdents  []string
	ForceRefresh     bool
	TokenLimit       int
	MaxContextWindow int
	ExcludeUnranked  bool
}

// GetRepoMap renders the highest ranked definitions of the other files,
// preceded by every definition of the chat files, within the token budget.
func (m *RepoMap) GetRepoMap(ctx context.Context, req MapRequest) (string, tree.Report, error) {
	defer metrics.ObserveRequest("repo_map", time.Now())
	ctx, span := telemetry.Start(ctx, "repomap.GetRepoMap",
		attribute.Int("chat_files", len(req.ChatFiles)),
		attribute.Int("other_files", len(req.OtherFiles)),
	)
	defer span.End()

	if err := checkLimits(req.TokenLimit, req.MaxContextWindow); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", tree.Report{}, err
	}
	limit := req.TokenLimit
	if limit == 0 {
		limit = m.settings.TokenLimit
	}
	window := req.MaxContextWindow
	if window == 0 {
		window = m.settings.MaxContextWindow
	}
	budget := m.budget(limit, window, len(req.ChatFiles) > 0)

	if len(req.ChatFiles) == 0 && len(req.OtherFiles) == 0 {
		return "", tree.Report{Budget: budget}, nil
	}

	res, err := m.rank(ctx, RankRequest{
		ChatFiles:       req.ChatFiles,
		OtherFiles:      req.OtherFiles,
		MentionedFnames: req.MentionedFnames,
		MentionedIdents: req.MentionedIdents,
		ForceRefresh:    req.ForceRefresh,
		HideChatFiles:   true,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", tree.Report{}, err
	}

	var chatTags []model.Tag
	for _, rel := range res.chat {
		for _, t := range res.tagsByFile[rel] {
			if t.IsDef() {
				chatTags = append(chatTags, t)
			}
		}
	}

	var bare []string
	if !req.ExcludeUnranked && !m.settings.ExcludeUnranked {
		bare = ranking.Unranked(res.others, res.ranked, res.ranks)
	}

	asm := tree.NewAssembler(m.counter)
	if m.settings.MaxLineLength > 0 {
		asm.MaxLineLength = m.settings.MaxLineLength
	}
	if m.settings.MaxProbes > 0 {
		asm.MaxProbes = m.settings.MaxProbes
	}
	text, rep := asm.Fit(tree.Request{
		Entries:   tree.Entries(res.ranked, bare),
		ChatTags:  chatTags,
		ChatFiles: res.chat,
		Budget:    budget,
	})

	metrics.FitProbes.Observe(float64(rep.Probes))
	metrics.MapTokens.Set(float64(rep.Tokens))
	span.SetAttributes(
		attribute.Int("budget", rep.Budget),
		attribute.Int("tokens", rep.Tokens),
		attribute.Bool("truncated", rep.Truncated),
	)
	level := slog.LevelDebug
	if m.settings.Verbose {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, "repo map fitted",
		"budget", rep.Budget,
		"tokens", rep.Tokens,
		"files_shown", rep.FilesShown,
		"files_total", rep.FilesTotal,
		"tags_shown", rep.TagsShown,
		"probes", rep.Probes,
		"truncated", rep.Truncated,
	)
	return text, rep, nil
}

// budget applies the no-chat multiplier and the context window cap.
func (m *RepoMap) budget(limit, window int, hasChat bool) int {
	b := float64(limit)
	if !hasChat && m.settings.NoChatMultiplier > 0 {
		b *= m.settings.NoChatMultiplier
	}
	if window > 0 {
		fraction := m.settings.ContextWindowFraction
		if fraction <= 0 {
			fraction = DefaultSettings().ContextWindowFraction
		}
		if ceiling := fraction * float64(window); b > ceiling {
			b = ceiling
		}
	}
	return int(b)
}

// GetSemanticBlocks converts ranked definitions into blocks whose combined
// token cost stays within tokenLimit. With a nil tokenLimit every definition
// of every file is returned unranked, in file order.
func (m *RepoMap) GetSemanticBlocks(ctx context.Context, otherFnames []string, tokenLimit *int) ([]model.SemanticBlock, error) {
	defer metrics.ObserveRequest("semantic_blocks", time.Now())
	ctx, span := telemetry.Start(ctx, "repomap.GetSemanticBlocks", attribute.Bool("budgeted", tokenLimit != nil))
	defer span.End()

	if tokenLimit != nil {
		if *tokenLimit < 0 {
			return nil, fmt.Errorf("%w: token limit must be >= 0, got %d", ErrInvalidInput, *tokenLimit)
		}
		ranked, err := m.GetRankedTags(ctx, RankRequest{OtherFiles: otherFnames})
		if err != nil {
			return nil, err
		}
		return blocks.Budgeted(ranked, m.counter, *tokenLimit), nil
	}

	files := m.resolveAll(otherFnames, nil)
	tagsByFile, err := m.extractAll(ctx, files, false)
	if err != nil {
		return nil, err
	}
	ordered := make([][]model.Tag, 0, len(files))
	for _, f := range files {
		ordered = append(ordered, tagsByFile[f.rel])
	}
	return blocks.All(ordered), nil
}

// Dependencies summarizes which files reference symbols defined in which.
func (m *RepoMap) Dependencies(ctx context.Context, fnames []string) ([]model.Dependency, error) {
	files := m.resolveAll(fnames, nil)
	tagsByFile, err := m.extractAll(ctx, files, false)
	if err != nil {
		return nil, err
	}
	return graph.Dependencies(tagsByFile), nil
}

type fileRef struct {
	abs, rel string
}

// resolve maps an absolute or root-relative name to both forms. Files outside
// the root keep their absolute path as the relative name.
func (m *RepoMap) resolve(fname string) fileRef {
	if filepath.IsAbs(fname) {
		abs := filepath.Clean(fname)
		rel, err := filepath.Rel(m.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fileRef{abs: abs, rel: filepath.ToSlash(abs)}
		}
		return fileRef{abs: abs, rel: filepath.ToSlash(rel)}
	}
	clean := filepath.Clean(fname)
	return fileRef{abs: filepath.Join(m.root, clean), rel: filepath.ToSlash(clean)}
}

// resolveAll resolves fnames in order, dropping duplicates and anything in
// skip.
func (m *RepoMap) resolveAll(fnames []string, skip map[string]bool) []fileRef {
	seen := make(map[string]bool, len(fnames))
	out := make([]fileRef, 0, len(fnames))
	for _, f := range fnames {
		if f == "" {
			continue
		}
		ref := m.resolve(f)
		if seen[ref.rel] || skip[ref.rel] {
			continue
		}
		seen[ref.rel] = true
		out = append(out, ref)
	}
	return out
}

// extractAll fetches the tags of every file through the cache, in parallel.
// Every file gets an entry, possibly empty.
func (m *RepoMap) extractAll(ctx context.Context, files []fileRef, force bool) (map[string][]model.Tag, error) {
	results := make([][]model.Tag, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.cache.Get(gctx, f.abs, f.rel, force)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extracting tags: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extracting tags: %w", err)
	}

	out := make(map[string][]model.Tag, len(files))
	for i, f := range files {
		out[f.rel] = results[i]
	}
	return out, nil
}

type rankResult struct {
	ranked     []model.RankedTag
	ranks      model.FileRanks
	tagsByFile map[string][]model.Tag
	chat       []string
	others     []string
}

func (m *RepoMap) rank(ctx context.Context, req RankRequest) (*rankResult, error) {
	chatRefs := m.resolveAll(req.ChatFiles, nil)
	chatSet := make(map[string]bool, len(chatRefs))
	for _, f := range chatRefs {
		chatSet[f.rel] = true
	}
	otherRefs := m.resolveAll(req.OtherFiles, chatSet)

	all := append(append([]fileRef{}, chatRefs...), otherRefs...)
	tagsByFile, err := m.extractAll(ctx, all, req.ForceRefresh)
	if err != nil {
		return nil, err
	}

	mentionedFiles := make(map[string]bool, len(req.MentionedFnames))
	for _, f := range req.MentionedFnames {
		mentionedFiles[m.resolve(f).rel] = true
	}
	mentionedIdents := make(map[string]bool, len(req.MentionedIdents))
	for _, id := range req.MentionedIdents {
		mentionedIdents[id] = true
	}

	g := graph.Build(tagsByFile, mentionedFiles, mentionedIdents, m.weights)
	p := graph.Personalization(g.Nodes(), chatSet, m.weights.ChatPersonalization)
	ranks, iters := g.PageRank(p, m.pageRank)

	metrics.GraphNodes.Set(float64(len(g.Nodes())))
	metrics.GraphEdges.Set(float64(g.EdgeCount()))
	metrics.PageRankIterations.Observe(float64(iters))

	var exclude map[string]bool
	if req.HideChatFiles || m.settings.HideChatFiles {
		exclude = chatSet
	}
	ranked := ranking.Distribute(tagsByFile, ranks, g, exclude)

	m.logger.Debug("ranked files",
		"chat", len(chatRefs),
		"other", len(otherRefs),
		"edges", g.EdgeCount(),
		"iterations", iters,
		"ranked_tags", len(ranked),
	)

	res := &rankResult{
		ranked:     ranked,
		ranks:      ranks,
		tagsByFile: tagsByFile,
	}
	for _, f := range chatRefs {
		res.chat = append(res.chat, f.rel)
	}
	for _, f := range otherRefs {
		res.others = append(res.others, f.rel)
	}
	return res, nil
}
