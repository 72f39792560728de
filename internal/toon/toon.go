// Package toon renders ranking results in TOON (Token-Oriented Object
// Notation), a tabular text format that costs few tokens.
package toon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/ranking"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Ranking is the content of a ranked-tags document.
type Ranking struct {
	Root         string
	Ranks        model.FileRanks
	Tags         []model.RankedTag
	Dependencies []model.Dependency
}

// EncodeRanking renders files in rank order, their ranked definitions and the
// dependencies between them.
func EncodeRanking(r Ranking) string {
	var parts []string
	parts = append(parts, "root: "+encodeValue(r.Root))

	var fileRows [][]string
	for _, f := range ranking.ByRank(ranking.FileOrder(r.Tags), r.Ranks) {
		fileRows = append(fileRows, []string{f, formatScore(r.Ranks[f])})
	}
	parts = append(parts, formatTabular("files", []string{"path", "rank"}, fileRows))

	symbolRows := make([][]string, 0, len(r.Tags))
	for _, rt := range r.Tags {
		t := rt.Tag
		symbolRows = append(symbolRows, []string{
			t.RelFname,
			qualified(t),
			string(t.SymbolKind),
			strconv.Itoa(t.Line),
			formatScore(rt.Score),
			t.Signature,
		})
	}
	parts = append(parts, formatTabular("symbols", []string{"file", "name", "kind", "line", "score", "signature"}, symbolRows))

	depRows := make([][]string, 0, len(r.Dependencies))
	for _, d := range r.Dependencies {
		depRows = append(depRows, []string{d.Source, d.Target, strings.Join(d.Symbols, " ")})
	}
	parts = append(parts, formatTabular("dependencies", []string{"source", "target", "symbols"}, depRows))

	return strings.Join(parts, "\n")
}

// EncodeBlocks renders semantic blocks without their content, with an id
// column when ids is non-nil.
func EncodeBlocks(blocks []model.SemanticBlock, ids []string) string {
	columns := []string{"file", "type", "name", "start", "end", "score"}
	if ids != nil {
		columns = append([]string{"id"}, columns...)
	}
	rows := make([][]string, 0, len(blocks))
	for i, b := range blocks {
		row := []string{
			b.FilePath,
			b.Type,
			b.Name,
			strconv.Itoa(b.StartLine),
			strconv.Itoa(b.EndLine),
			formatScore(b.RankScore),
		}
		if ids != nil {
			row = append([]string{ids[i]}, row...)
		}
		rows = append(rows, row)
	}
	return formatTabular("blocks", columns, rows)
}

func qualified(t model.Tag) string {
	if t.Scope == "" {
		return t.Name
	}
	return t.Scope + "." + t.Name
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	switch {
	case value == "":
		return `""`
	case value != strings.TrimSpace(value), strings.ContainsAny(value, "\n\r\t"):
		return quote(value)
	}
	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}
	if looksNumeric.MatchString(value) {
		return value
	}
	if needsQuoting.MatchString(value) || strings.HasPrefix(value, "-") {
		return quote(value)
	}
	return value
}

var quoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func quote(value string) string {
	return `"` + quoter.Replace(value) + `"`
}
