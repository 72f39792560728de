// Package lang provides a language registry mapping file extensions to
// tree-sitter grammars and their embedded tag queries.
package lang

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/repomap/internal/model"
)

//go:embed queries/*.scm
var queryFS embed.FS

var whitespaceRe = regexp.MustCompile(`\s+`)

// Grammar is the capability a language supplies to the tag extractor. The
// extractor itself stays language-agnostic: it runs the tag query and asks the
// grammar how to interpret each capture.
type Grammar interface {
	// Classify maps a query capture name such as "definition.function" to a
	// tag kind. ok is false for captures that do not produce tags.
	Classify(capture string) (kind model.TagKind, symbol model.SymbolKind, ok bool)
	// Ident returns the identifier text of a @name capture.
	Ident(node *sitter.Node, source []byte) string
	// Span returns the 1-based first and last line of a definition node.
	Span(node *sitter.Node) (line, endLine int)
	// Scope returns the enclosing class or receiver name of a definition,
	// or "" at top level.
	Scope(node *sitter.Node, source []byte) string
	// Signature returns a one-line signature for a definition node.
	Signature(node *sitter.Node, kind model.SymbolKind, source []byte) string
}

var captureMap = map[string]struct {
	Kind       model.TagKind
	SymbolKind model.SymbolKind
}{
	"definition.class":     {model.Definition, model.Class},
	"definition.function":  {model.Definition, model.Function},
	"definition.method":    {model.Definition, model.Method},
	"definition.module":    {model.Definition, model.Module},
	"definition.interface": {model.Definition, model.Interface},
	"definition.type":      {model.Definition, model.Type},
	"reference.call":       {model.Reference, model.Function},
	"reference.import":     {model.Reference, model.Module},
	"reference.class":      {model.Reference, model.Class},
	"reference.type":       {model.Reference, model.Type},
}

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	// QueryName selects queries/<QueryName>.scm; defaults to Name.
	QueryName string

	lang      *sitter.Language
	queryOnce sync.Once
	query     *sitter.Query
	queryErr  error

	// FindScope returns the enclosing class, module, impl or receiver name of
	// a definition node. Returns "" if not applicable.
	FindScope func(node *sitter.Node, source []byte) string

	// WidenSpan returns the node whose rows bound a definition, e.g. a
	// decorated definition or a single-spec type declaration.
	WidenSpan func(node *sitter.Node) *sitter.Node

	// ExtractSignature returns a signature string for a definition node.
	ExtractSignature func(node *sitter.Node, kind model.SymbolKind, source []byte) string
}

var _ Grammar = (*Language)(nil)

// GetLanguage returns the tree-sitter Language pointer.
func (l *Language) GetLanguage() *sitter.Language {
	return l.lang
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// GetTagQuery returns the compiled tree-sitter query (safe to share across goroutines).
func (l *Language) GetTagQuery() (*sitter.Query, error) {
	l.queryOnce.Do(func() {
		name := l.QueryName
		if name == "" {
			name = l.Name
		}
		data, err := queryFS.ReadFile(fmt.Sprintf("queries/%s.scm", name))
		if err != nil {
			l.queryErr = fmt.Errorf("reading query file: %w", err)
			return
		}
		q, err := sitter.NewQuery(data, l.lang)
		if err != nil {
			l.queryErr = fmt.Errorf("compiling query: %w", err)
			return
		}
		l.query = q
	})
	return l.query, l.queryErr
}

// Classify implements Grammar.
func (l *Language) Classify(capture string) (model.TagKind, model.SymbolKind, bool) {
	cm, ok := captureMap[capture]
	return cm.Kind, cm.SymbolKind, ok
}

// Ident implements Grammar.
func (l *Language) Ident(node *sitter.Node, source []byte) string {
	return NodeText(node, source)
}

// Span implements Grammar.
func (l *Language) Span(node *sitter.Node) (int, int) {
	if l.WidenSpan != nil {
		if wide := l.WidenSpan(node); wide != nil {
			node = wide
		}
	}
	return NodeLines(node)
}

// Scope implements Grammar.
func (l *Language) Scope(node *sitter.Node, source []byte) string {
	if l.FindScope == nil {
		return ""
	}
	return l.FindScope(node, source)
}

// Signature implements Grammar.
func (l *Language) Signature(node *sitter.Node, kind model.SymbolKind, source []byte) string {
	if l.ExtractSignature != nil {
		if sig := l.ExtractSignature(node, kind, source); sig != "" {
			return sig
		}
	}
	return firstLineSignature(node, source)
}

// Languages maps language names to their configuration.
// Populated by init() functions in per-language files.
var Languages = map[string]*Language{}

// extensionMap is built lazily after all init() functions have run.
var extensionMap map[string]string
var extensionOnce sync.Once

func getExtensionMap() map[string]string {
	extensionOnce.Do(func() {
		extensionMap = make(map[string]string)
		for _, l := range Languages {
			for _, ext := range l.Extensions {
				extensionMap[ext] = l.Name
			}
		}
	})
	return extensionMap
}

// ForExtension returns the language name for a file extension, or "" if unsupported.
func ForExtension(ext string) string {
	return getExtensionMap()[strings.ToLower(ext)]
}

// ForPath returns the Language for a file path, or nil if unsupported.
func ForPath(path string) *Language {
	ext := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		ext = path[i:]
	} else {
		return nil
	}
	name := ForExtension(ext)
	if name == "" {
		return nil
	}
	return Languages[name]
}

// Names returns the registered language names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Languages))
	for name := range Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// NodeLines returns the 1-based first and last line covered by node. A node
// that ends at column 0 of a row ends on the previous line.
func NodeLines(node *sitter.Node) (int, int) {
	start := int(node.StartPoint().Row) + 1
	endPoint := node.EndPoint()
	end := int(endPoint.Row) + 1
	if endPoint.Column == 0 && end > start {
		end--
	}
	return start, end
}

// CollapseWhitespace replaces runs of whitespace with a single space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func firstLineSignature(node *sitter.Node, source []byte) string {
	text := NodeText(node, source)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSuffix(CollapseWhitespace(text), "{")
	return strings.TrimSpace(text)
}

// enclosingName walks up from node and returns the "name" field text of the
// first ancestor whose type is in types. It stops at any ancestor in stop.
func enclosingName(node *sitter.Node, source []byte, types, stop []string) string {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		t := cur.Type()
		for _, s := range stop {
			if t == s {
				return ""
			}
		}
		for _, want := range types {
			if t == want {
				if n := cur.ChildByFieldName("name"); n != nil {
					return NodeText(n, source)
				}
				return ""
			}
		}
	}
	return ""
}

// fieldText returns the text of node's named field, or "" when absent.
func fieldText(node *sitter.Node, field string, source []byte) string {
	if n := node.ChildByFieldName(field); n != nil {
		return NodeText(n, source)
	}
	return ""
}
