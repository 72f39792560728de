// Package parse extracts tags from source files using tree-sitter.
package parse

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/repomap/internal/lang"
	"github.com/phobologic/repomap/internal/model"
)

// DefaultMaxFileSize is the largest file the Extractor will parse.
const DefaultMaxFileSize = 1 << 20

// binarySniffLen is how much of a file is checked for NUL bytes.
const binarySniffLen = 8000

// ExtractTags parses a source file and returns definition and reference tags
// in source order. The parser must be created for the grammar's language.
// fname is the absolute path and relFname the repo-relative path recorded on
// each tag.
func ExtractTags(ctx context.Context, g lang.Grammar, parser *sitter.Parser, query *sitter.Query, source []byte, fname, relFname string) []model.Tag {
	if len(source) == 0 {
		return nil
	}

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	type key struct {
		kind model.TagKind
		name string
		line int
	}
	seen := make(map[key]bool)

	var tags []model.Tag
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)

		var nameNode, defNode *sitter.Node
		var tagKind model.TagKind
		var symbolKind model.SymbolKind
		for _, c := range match.Captures {
			cname := query.CaptureNameForId(c.Index)
			if cname == "name" {
				nameNode = c.Node
				continue
			}
			if k, sk, ok := g.Classify(cname); ok {
				tagKind, symbolKind, defNode = k, sk, c.Node
			}
		}
		if nameNode == nil || defNode == nil {
			continue
		}

		name := g.Ident(nameNode, source)
		if name == "" {
			continue
		}

		tag := model.Tag{
			RelFname:   relFname,
			Fname:      fname,
			Name:       name,
			Kind:       tagKind,
			SymbolKind: symbolKind,
		}

		if tagKind == model.Definition {
			tag.Line, tag.EndLine = g.Span(defNode)
			tag.Scope = g.Scope(defNode, source)
			if symbolKind == model.Function && tag.Scope != "" {
				tag.SymbolKind = model.Method
			}
			tag.Signature = g.Signature(defNode, tag.SymbolKind, source)
			tag.Content = model.SliceLines(source, tag.Line, tag.EndLine)
		} else {
			tag.Line = int(nameNode.StartPoint().Row) + 1
			tag.EndLine = tag.Line
			tag.Content = model.LineAt(source, tag.Line)
		}

		k := key{tag.Kind, tag.Name, tag.Line}
		if seen[k] {
			continue
		}
		seen[k] = true
		tags = append(tags, tag)
	}

	// Matches arrive grouped by pattern; restore source order.
	sort.SliceStable(tags, func(i, j int) bool {
		if tags[i].Line != tags[j].Line {
			return tags[i].Line < tags[j].Line
		}
		return tags[i].Kind == model.Definition && tags[j].Kind != model.Definition
	})
	return tags
}

// Extractor reads files from disk and extracts their tags with the grammar
// registered for the file extension. It is safe for concurrent use: parsers
// are pooled per language so each goroutine parses with its own instance.
type Extractor struct {
	maxFileSize int64
	allowed     map[string]bool
	logger      *slog.Logger

	mu    sync.Mutex
	pools map[string]*sync.Pool
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithMaxFileSize sets the size above which files are skipped. Zero or a
// negative value keeps the default.
func WithMaxFileSize(n int64) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxFileSize = n
		}
	}
}

// WithLanguages restricts extraction to the named languages.
func WithLanguages(names ...string) ExtractorOption {
	return func(e *Extractor) {
		if len(names) == 0 {
			return
		}
		e.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			e.allowed[n] = true
		}
	}
}

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor returns an Extractor with the given options applied.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.New(slog.DiscardHandler),
		pools:       make(map[string]*sync.Pool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether path has an extension the Extractor will parse.
func (e *Extractor) Supports(path string) bool {
	return e.language(path) != nil
}

func (e *Extractor) language(path string) *lang.Language {
	l := lang.ForPath(path)
	if l == nil {
		return nil
	}
	if e.allowed != nil && !e.allowed[l.Name] {
		return nil
	}
	return l
}

// Extract returns the tags of the file at absPath. Unsupported, unreadable,
// empty, oversized and binary files yield no tags.
func (e *Extractor) Extract(ctx context.Context, absPath, relPath string) []model.Tag {
	l := e.language(absPath)
	if l == nil {
		return nil
	}
	query, err := l.GetTagQuery()
	if err != nil {
		e.logger.Debug("tag query unavailable", "lang", l.Name, "err", err)
		return nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		e.logger.Debug("stat failed", "path", relPath, "err", err)
		return nil
	}
	if info.Size() > e.maxFileSize {
		e.logger.Debug("skipping large file", "path", relPath, "size", info.Size())
		return nil
	}

	source, err := os.ReadFile(absPath)
	if err != nil {
		e.logger.Debug("read failed", "path", relPath, "err", err)
		return nil
	}
	if IsBinary(source) {
		e.logger.Debug("skipping binary file", "path", relPath)
		return nil
	}

	pool := e.pool(l)
	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	return ExtractTags(ctx, l, parser, query, source, absPath, filepath.ToSlash(relPath))
}

func (e *Extractor) pool(l *lang.Language) *sync.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[l.Name]
	if !ok {
		p = &sync.Pool{New: func() any { return l.NewParser() }}
		e.pools[l.Name] = p
	}
	return p
}

// IsBinary reports whether source looks like a binary file: a NUL byte in
// the first 8000 bytes.
func IsBinary(source []byte) bool {
	if len(source) > binarySniffLen {
		source = source[:binarySniffLen]
	}
	return bytes.IndexByte(source, 0) >= 0
}
