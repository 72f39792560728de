// Package model defines core data structures for repomap.
package model

import "strings"

// TagKind indicates whether a tag is a definition or a reference.
type TagKind string

const (
	Definition TagKind = "def"
	Reference  TagKind = "ref"
)

// SymbolKind indicates the syntactic kind of a symbol.
type SymbolKind string

const (
	Class     SymbolKind = "class"
	Function  SymbolKind = "function"
	Method    SymbolKind = "method"
	Module    SymbolKind = "module"
	Type      SymbolKind = "type"
	Interface SymbolKind = "interface"
)

// Tag represents a single symbol occurrence extracted from source code.
//
// Content holds the verbatim source for lines Line..EndLine (see SliceLines).
// For references EndLine == Line. Scope names the enclosing class or receiver
// of a method; Name is always the bare identifier so that references, which
// carry no qualifier, can be matched against it.
type Tag struct {
	RelFname   string
	Fname      string
	Line       int
	EndLine    int
	Name       string
	Kind       TagKind
	SymbolKind SymbolKind
	Scope      string
	Signature  string
	Content    string
}

// IsDef reports whether the tag is a definition.
func (t Tag) IsDef() bool { return t.Kind == Definition }

// RankedTag pairs a definition tag with its share of the file rank.
type RankedTag struct {
	Score float64
	Tag   Tag
}

// FileRanks maps a repo-relative path to its importance score.
type FileRanks map[string]float64

// Total returns the sum of all scores.
func (fr FileRanks) Total() float64 {
	var sum float64
	for _, v := range fr {
		sum += v
	}
	return sum
}

// SemanticBlock is a self-contained, rank-ordered code block derived from a
// definition tag. It is built per request and never persisted here.
type SemanticBlock struct {
	FilePath  string  `json:"file_path"`
	Type      string  `json:"type"`
	Name      string  `json:"name"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Content   string  `json:"content"`
	RankScore float64 `json:"rank_score"`
}

// Dependency represents an edge in the dependency graph:
// Source references symbols defined in Target.
type Dependency struct {
	Source  string
	Target  string
	Symbols []string
}

// SliceLines returns the bytes of source from the start of line start up to,
// but not including, the newline that terminates line end. Lines are 1-based.
// Out-of-range lines are clamped; an empty string is returned when start is
// past the end of the source.
func SliceLines(source []byte, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}

	line := 1
	begin := -1
	if start == 1 {
		begin = 0
	}
	for i := 0; i < len(source); i++ {
		if source[i] != '\n' {
			continue
		}
		if line == end && begin >= 0 {
			return string(source[begin:i])
		}
		line++
		if line == start {
			begin = i + 1
		}
	}
	if begin < 0 || begin > len(source) {
		return ""
	}
	return string(source[begin:])
}

// LineAt returns the text of a single 1-based line, without its newline.
func LineAt(source []byte, line int) string {
	return strings.TrimRight(SliceLines(source, line, line), "\r")
}
