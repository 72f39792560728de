// Package graph builds a weighted file dependency graph and computes
// personalized PageRank over it.
package graph

import (
	"math"
	"sort"
	"strings"

	"github.com/phobologic/repomap/internal/model"
)

// Weights are the edge multipliers applied to each cross-file reference.
type Weights struct {
	MentionedIdentBoost float64 `toml:"mentioned_ident_boost"`
	MentionedFileBoost  float64 `toml:"mentioned_file_boost"`
	GenericNamePenalty  float64 `toml:"generic_name_penalty"`
	PrivateNamePenalty  float64 `toml:"private_name_penalty"`
	CommonDefPenalty    float64 `toml:"common_def_penalty"`
	// CommonDefThreshold is the number of defining files at which a name
	// counts as common.
	CommonDefThreshold int `toml:"common_def_threshold"`
	// ShortNameLength is the longest name treated as generic.
	ShortNameLength int `toml:"short_name_length"`
	// ChatPersonalization is the personalization mass of a chat file
	// relative to 1 for every other file.
	ChatPersonalization float64 `toml:"chat_personalization"`
}

// DefaultWeights returns the default multipliers.
func DefaultWeights() Weights {
	return Weights{
		MentionedIdentBoost: 10,
		MentionedFileBoost:  5,
		GenericNamePenalty:  0.1,
		PrivateNamePenalty:  0.1,
		CommonDefPenalty:    0.1,
		CommonDefThreshold:  5,
		ShortNameLength:     2,
		ChatPersonalization: 100,
	}
}

// PageRankConfig controls the power iteration.
type PageRankConfig struct {
	Damping       float64 `toml:"damping"`
	MaxIterations int     `toml:"max_iterations"`
	Tolerance     float64 `toml:"tolerance"`
}

// DefaultPageRankConfig returns damping 0.85, 100 iterations, tolerance 1e-6.
func DefaultPageRankConfig() PageRankConfig {
	return PageRankConfig{Damping: 0.85, MaxIterations: 100, Tolerance: 1e-6}
}

// genericNames are identifiers too common to carry structural signal.
var genericNames = map[string]bool{
	"self": true, "this": true, "super": true, "cls": true,
	"new": true, "init": true, "__init__": true, "main": true,
	"get": true, "set": true, "put": true, "add": true, "run": true,
	"len": true, "str": true, "int": true, "print": true, "format": true,
	"string": true, "error": true, "Error": true, "String": true,
	"append": true, "make": true, "map": true, "list": true, "dict": true,
	"value": true, "data": true, "result": true, "name": true, "type": true,
	"Println": true, "Printf": true, "Sprintf": true, "Errorf": true,
	"puts": true, "require": true, "log": true, "push": true, "toString": true,
}

// IsGeneric reports whether name is short or on the stop list.
func (w Weights) IsGeneric(name string) bool {
	return len(name) <= w.ShortNameLength || genericNames[name]
}

// Graph is a directed weighted graph over repo-relative file paths. An edge
// B → A means B references a name defined in A.
type Graph struct {
	nodes []string
	edges map[string]map[string]float64
	out   map[string]float64
	// inbound reference weight per defining file and name
	defWeight map[string]map[string]float64
}

// Build constructs the graph from per-file tags. Every key of tagsByFile is a
// node. mentionedFnames and mentionedIdents may be nil.
func Build(tagsByFile map[string][]model.Tag, mentionedFnames, mentionedIdents map[string]bool, w Weights) *Graph {
	g := &Graph{
		nodes:     make([]string, 0, len(tagsByFile)),
		edges:     make(map[string]map[string]float64),
		out:       make(map[string]float64),
		defWeight: make(map[string]map[string]float64),
	}
	for f := range tagsByFile {
		g.nodes = append(g.nodes, f)
	}
	sort.Strings(g.nodes)

	defines := definers(tagsByFile)

	for _, src := range g.nodes {
		for _, tag := range tagsByFile[src] {
			if tag.Kind != model.Reference {
				continue
			}
			targets := defines[tag.Name]
			if len(targets) == 0 {
				continue
			}
			base := 1.0
			if mentionedIdents[tag.Name] {
				base *= w.MentionedIdentBoost
			}
			if w.IsGeneric(tag.Name) {
				base *= w.GenericNamePenalty
			}
			if strings.HasPrefix(tag.Name, "_") {
				base *= w.PrivateNamePenalty
			}
			if w.CommonDefThreshold > 0 && len(targets) >= w.CommonDefThreshold {
				base *= w.CommonDefPenalty
			}
			for _, tgt := range targets {
				if tgt == src {
					continue
				}
				weight := base
				if mentionedFnames[src] || mentionedFnames[tgt] {
					weight *= w.MentionedFileBoost
				}
				g.addEdge(src, tgt, tag.Name, weight)
			}
		}
	}
	return g
}

func (g *Graph) addEdge(src, tgt, name string, weight float64) {
	if g.edges[src] == nil {
		g.edges[src] = make(map[string]float64)
	}
	g.edges[src][tgt] += weight
	g.out[src] += weight
	if g.defWeight[tgt] == nil {
		g.defWeight[tgt] = make(map[string]float64)
	}
	g.defWeight[tgt][name] += weight
}

// definers maps each defined name to the sorted files defining it.
func definers(tagsByFile map[string][]model.Tag) map[string][]string {
	sets := make(map[string]map[string]struct{})
	for f, tags := range tagsByFile {
		for _, tag := range tags {
			if tag.Kind != model.Definition {
				continue
			}
			if sets[tag.Name] == nil {
				sets[tag.Name] = make(map[string]struct{})
			}
			sets[tag.Name][f] = struct{}{}
		}
	}
	out := make(map[string][]string, len(sets))
	for name, set := range sets {
		out[name] = sortedKeys(set)
	}
	return out
}

// Nodes returns the graph's files in sorted order.
func (g *Graph) Nodes() []string { return g.nodes }

// EdgeCount returns the number of distinct weighted edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, tgts := range g.edges {
		n += len(tgts)
	}
	return n
}

// EdgeWeight returns the accumulated weight of src → tgt.
func (g *Graph) EdgeWeight(src, tgt string) float64 {
	return g.edges[src][tgt]
}

// DefinitionWeight returns the weighted in-degree of name as defined in file:
// the total weight of cross-file references to name that resolve to file.
func (g *Graph) DefinitionWeight(file, name string) float64 {
	return g.defWeight[file][name]
}

// Personalization returns a normalized personalization vector giving each
// node in chat factor times the mass of any other node. With no chat files
// the vector is uniform.
func Personalization(nodes []string, chat map[string]bool, factor float64) map[string]float64 {
	p := make(map[string]float64, len(nodes))
	if len(nodes) == 0 {
		return p
	}
	var total float64
	for _, n := range nodes {
		v := 1.0
		if chat[n] {
			v = factor
		}
		p[n] = v
		total += v
	}
	for n := range p {
		p[n] /= total
	}
	return p
}

// PageRank runs weighted personalized PageRank and returns the rank of every
// node together with the number of iterations performed. Ranks sum to 1.
// Dangling mass is redistributed by the personalization vector; a nil or
// all-zero personalization is treated as uniform.
func (g *Graph) PageRank(personalization map[string]float64, cfg PageRankConfig) (model.FileRanks, int) {
	n := len(g.nodes)
	if n == 0 {
		return model.FileRanks{}, 0
	}

	p := normalize(g.nodes, personalization)

	rank := make(map[string]float64, n)
	for _, node := range g.nodes {
		rank[node] = p[node]
	}

	alpha := cfg.Damping
	iter := 0
	for iter < cfg.MaxIterations {
		iter++

		var dangling float64
		for _, node := range g.nodes {
			if g.out[node] == 0 {
				dangling += rank[node]
			}
		}

		next := make(map[string]float64, n)
		for _, node := range g.nodes {
			next[node] = (1-alpha)*p[node] + alpha*dangling*p[node]
		}
		for _, src := range g.nodes {
			tgts := g.edges[src]
			if len(tgts) == 0 {
				continue
			}
			share := alpha * rank[src] / g.out[src]
			for _, tgt := range sortedWeightKeys(tgts) {
				next[tgt] += share * tgts[tgt]
			}
		}

		var diff float64
		for _, node := range g.nodes {
			diff += math.Abs(next[node] - rank[node])
		}
		rank = next
		if diff < cfg.Tolerance {
			break
		}
	}

	return model.FileRanks(rank), iter
}

func normalize(nodes []string, personalization map[string]float64) map[string]float64 {
	p := make(map[string]float64, len(nodes))
	var total float64
	for _, node := range nodes {
		if v := personalization[node]; v > 0 {
			p[node] = v
			total += v
		}
	}
	if total == 0 {
		u := 1.0 / float64(len(nodes))
		for _, node := range nodes {
			p[node] = u
		}
		return p
	}
	for _, node := range nodes {
		p[node] /= total
	}
	return p
}

// Dependencies summarizes cross-file references as one Dependency per
// (referencing file, defining file) pair listing the shared symbols.
func Dependencies(tagsByFile map[string][]model.Tag) []model.Dependency {
	defines := definers(tagsByFile)

	type edgeKey struct{ src, tgt string }
	edgeSymbols := make(map[edgeKey][]string)

	for src, tags := range tagsByFile {
		for _, tag := range tags {
			if tag.Kind != model.Reference {
				continue
			}
			for _, defFile := range defines[tag.Name] {
				if defFile == src {
					continue
				}
				key := edgeKey{src, defFile}
				if !contains(edgeSymbols[key], tag.Name) {
					edgeSymbols[key] = append(edgeSymbols[key], tag.Name)
				}
			}
		}
	}

	deps := make([]model.Dependency, 0, len(edgeSymbols))
	for key, syms := range edgeSymbols {
		sort.Strings(syms)
		deps = append(deps, model.Dependency{
			Source:  key.src,
			Target:  key.tgt,
			Symbols: syms,
		})
	}

	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Source != deps[j].Source {
			return deps[i].Source < deps[j].Source
		}
		return deps[i].Target < deps[j].Target
	})

	return deps
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedWeightKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
