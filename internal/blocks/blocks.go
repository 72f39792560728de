// Package blocks converts ranked definitions into self-contained code blocks
// for a semantic indexer.
package blocks

import (
	"crypto/md5"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/tokens"
)

// FromTag converts a definition tag into a block carrying score.
func FromTag(t model.Tag, score float64) model.SemanticBlock {
	return model.SemanticBlock{
		FilePath:  t.RelFname,
		Type:      string(t.SymbolKind),
		Name:      t.Name,
		StartLine: t.Line,
		EndLine:   t.EndLine,
		Content:   t.Content,
		RankScore: score,
	}
}

// Budgeted walks ranked definitions in order and returns blocks until the
// next one would push the cumulative token cost over limit. Blocks are never
// truncated; the first block that does not fit ends the walk.
func Budgeted(ranked []model.RankedTag, counter tokens.Counter, limit int) []model.SemanticBlock {
	var out []model.SemanticBlock
	total := 0
	for _, rt := range ranked {
		if !rt.Tag.IsDef() {
			continue
		}
		cost := counter.Count(rt.Tag.Content)
		if total+cost > limit {
			break
		}
		total += cost
		out = append(out, FromTag(rt.Tag, rt.Score))
	}
	return out
}

// All converts every definition of every file, in file order then line, with
// a zero rank score.
func All(files [][]model.Tag) []model.SemanticBlock {
	var out []model.SemanticBlock
	for _, tags := range files {
		defs := make([]model.Tag, 0, len(tags))
		for _, t := range tags {
			if t.IsDef() {
				defs = append(defs, t)
			}
		}
		sort.SliceStable(defs, func(i, j int) bool { return defs[i].Line < defs[j].Line })
		for _, t := range defs {
			out = append(out, FromTag(t, 0))
		}
	}
	return out
}

// Cost returns the summed token count of the blocks' content.
func Cost(blocks []model.SemanticBlock, counter tokens.Counter) int {
	n := 0
	for _, b := range blocks {
		n += counter.Count(b.Content)
	}
	return n
}

// ID returns the deterministic identity of a block within a repository:
// the MD5 of "repo:file:name:start_line" read as UUID bytes.
func ID(repoID string, b model.SemanticBlock) uuid.UUID {
	return keyID(fmt.Sprintf("%s:%s:%s:%d", repoID, b.FilePath, b.Name, b.StartLine))
}

func keyID(key string) uuid.UUID {
	sum := md5.Sum([]byte(key))
	id, _ := uuid.FromBytes(sum[:])
	return id
}

// Stale returns the stored IDs that no longer correspond to any current
// block, in the order given.
func Stale(stored []uuid.UUID, repoID string, current []model.SemanticBlock) []uuid.UUID {
	live := make(map[uuid.UUID]bool, len(current))
	for _, b := range current {
		live[ID(repoID, b)] = true
	}
	var out []uuid.UUID
	for _, id := range stored {
		if !live[id] {
			out = append(out, id)
		}
	}
	return out
}
