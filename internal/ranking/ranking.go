// Package ranking turns file ranks into ranked definition tags and filters
// the result.
package ranking

import (
	"sort"
	"strings"

	"github.com/phobologic/repomap/internal/graph"
	"github.com/phobologic/repomap/internal/model"
)

// Distribute splits each file's rank across its definition tags in proportion
// to 1 + the definition's weighted in-degree in g. Reference tags are never
// ranked, and files listed in exclude contribute nothing. The result is
// sorted (see Sort).
func Distribute(tagsByFile map[string][]model.Tag, ranks model.FileRanks, g *graph.Graph, exclude map[string]bool) []model.RankedTag {
	var out []model.RankedTag
	for file, tags := range tagsByFile {
		if exclude[file] {
			continue
		}
		var defs []model.Tag
		var weights []float64
		var total float64
		for _, tag := range tags {
			if !tag.IsDef() {
				continue
			}
			w := 1.0
			if g != nil {
				w += g.DefinitionWeight(file, tag.Name)
			}
			defs = append(defs, tag)
			weights = append(weights, w)
			total += w
		}
		rank := ranks[file]
		for i, tag := range defs {
			out = append(out, model.RankedTag{Score: rank * weights[i] / total, Tag: tag})
		}
	}
	Sort(out)
	return out
}

// Sort orders ranked tags by score descending, breaking ties by file, line
// and name so the order is deterministic.
func Sort(tags []model.RankedTag) {
	sort.SliceStable(tags, func(i, j int) bool {
		a, b := tags[i], tags[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Tag.RelFname != b.Tag.RelFname {
			return a.Tag.RelFname < b.Tag.RelFname
		}
		if a.Tag.Line != b.Tag.Line {
			return a.Tag.Line < b.Tag.Line
		}
		return a.Tag.Name < b.Tag.Name
	})
}

// FileOrder returns files in the order they first appear in tags.
func FileOrder(tags []model.RankedTag) []string {
	seen := make(map[string]bool)
	var files []string
	for _, rt := range tags {
		if !seen[rt.Tag.RelFname] {
			seen[rt.Tag.RelFname] = true
			files = append(files, rt.Tag.RelFname)
		}
	}
	return files
}

// ByRank orders files by rank descending, then by path.
func ByRank(files []string, ranks model.FileRanks) []string {
	out := append([]string(nil), files...)
	sort.SliceStable(out, func(i, j int) bool {
		if ranks[out[i]] != ranks[out[j]] {
			return ranks[out[i]] > ranks[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Unranked returns the candidate files that have no ranked tag, ordered by
// file rank descending and then by path.
func Unranked(candidates []string, tags []model.RankedTag, ranks model.FileRanks) []string {
	ranked := make(map[string]bool)
	for _, rt := range tags {
		ranked[rt.Tag.RelFname] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range candidates {
		if ranked[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return ByRank(out, ranks)
}

// SelectFiles keeps only the tags of the maxFiles highest-ranked files, in
// their existing order. If maxFiles is <= 0 all tags are returned.
func SelectFiles(tags []model.RankedTag, maxFiles int) []model.RankedTag {
	if maxFiles <= 0 {
		return tags
	}
	files := FileOrder(tags)
	if maxFiles >= len(files) {
		return tags
	}
	keep := make(map[string]bool, maxFiles)
	for _, f := range files[:maxFiles] {
		keep[f] = true
	}
	var out []model.RankedTag
	for _, rt := range tags {
		if keep[rt.Tag.RelFname] {
			out = append(out, rt)
		}
	}
	return out
}

// FilterBySymbol returns the ranked tags whose name, or scope-qualified
// name, contains substr (case-insensitive).
func FilterBySymbol(tags []model.RankedTag, substr string) []model.RankedTag {
	lower := strings.ToLower(substr)
	var out []model.RankedTag
	for _, rt := range tags {
		name := rt.Tag.Name
		if rt.Tag.Scope != "" {
			name = rt.Tag.Scope + "." + name
		}
		if strings.Contains(strings.ToLower(name), lower) {
			out = append(out, rt)
		}
	}
	return out
}

// FilterByFile returns the ranked tags whose file path contains substr
// (case-insensitive).
func FilterByFile(tags []model.RankedTag, substr string) []model.RankedTag {
	lower := strings.ToLower(substr)
	var out []model.RankedTag
	for _, rt := range tags {
		if strings.Contains(strings.ToLower(rt.Tag.RelFname), lower) {
			out = append(out, rt)
		}
	}
	return out
}

// FilterDependencies keeps the dependencies touching any file in tags.
func FilterDependencies(deps []model.Dependency, tags []model.RankedTag) []model.Dependency {
	files := make(map[string]bool)
	for _, rt := range tags {
		files[rt.Tag.RelFname] = true
	}
	var out []model.Dependency
	for _, d := range deps {
		if files[d.Source] || files[d.Target] {
			out = append(out, d)
		}
	}
	return out
}
