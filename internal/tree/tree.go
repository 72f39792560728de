// Package tree renders ranked tags as a compact per-file outline and fits the
// outline into a token budget.
package tree

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/tokens"
)

const (
	// DefaultMaxLineLength is the rune limit for a rendered source line.
	DefaultMaxLineLength = 100
	// DefaultMaxProbes bounds the number of renders during bisection.
	DefaultMaxProbes = 32

	elision = "⋮"
	gutter  = "│"
)

// Entry is one candidate item of the map: a ranked tag, or a bare file when
// Tag is nil.
type Entry struct {
	File string
	Tag  *model.Tag
}

// Entries converts ranked tags followed by bare files into candidate entries,
// best first.
func Entries(ranked []model.RankedTag, bareFiles []string) []Entry {
	out := make([]Entry, 0, len(ranked)+len(bareFiles))
	for i := range ranked {
		out = append(out, Entry{File: ranked[i].Tag.RelFname, Tag: &ranked[i].Tag})
	}
	for _, f := range bareFiles {
		out = append(out, Entry{File: f})
	}
	return out
}

// Request is the input of Fit.
type Request struct {
	// Entries are the candidates, best first. Chat files must not appear.
	Entries []Entry
	// ChatTags are rendered unconditionally ahead of the entries.
	ChatTags []model.Tag
	// ChatFiles are the files in the conversation. Those without a tag in
	// ChatTags are still listed by name.
	ChatFiles []string
	// Budget is the token limit for the whole output.
	Budget int
}

// Report describes what Fit selected.
type Report struct {
	Budget     int  `json:"budget"`
	Tokens     int  `json:"tokens"`
	FilesTotal int  `json:"files_total"`
	FilesShown int  `json:"files_shown"`
	TagsTotal  int  `json:"tags_total"`
	TagsShown  int  `json:"tags_shown"`
	Probes     int  `json:"probes"`
	Truncated  bool `json:"truncated"`
}

// Assembler fits rendered outlines into a token budget.
type Assembler struct {
	Counter       tokens.Counter
	MaxLineLength int
	MaxProbes     int
}

// NewAssembler returns an Assembler with default limits.
func NewAssembler(counter tokens.Counter) *Assembler {
	return &Assembler{
		Counter:       counter,
		MaxLineLength: DefaultMaxLineLength,
		MaxProbes:     DefaultMaxProbes,
	}
}

// Fit renders the chat tags followed by the longest prefix of req.Entries
// whose total token count stays within req.Budget. The prefix length is found
// by bisection that remembers the best fitting probe, so a non-monotone
// counter can only cost precision, never exceed the budget. When the chat
// tags alone exceed the budget they are returned anyway and the report is
// marked truncated.
func (a *Assembler) Fit(req Request) (string, Report) {
	maxProbes := a.MaxProbes
	if maxProbes <= 0 {
		maxProbes = DefaultMaxProbes
	}

	rep := Report{
		Budget:     req.Budget,
		FilesTotal: countFiles(req.Entries, req.ChatTags, req.ChatFiles, len(req.Entries)),
		TagsTotal:  countTags(req.Entries, len(req.Entries)) + len(req.ChatTags),
	}

	chat := a.renderChat(req.ChatTags, req.ChatFiles)
	chatTokens := a.Counter.Count(chat)
	if chatTokens > req.Budget {
		rep.Tokens = chatTokens
		rep.FilesShown = countFiles(nil, req.ChatTags, req.ChatFiles, 0)
		rep.TagsShown = len(req.ChatTags)
		rep.Truncated = true
		return chat, rep
	}

	best := 0
	bestText, bestTokens := chat, chatTokens

	lo, hi := 1, len(req.Entries)
	for lo <= hi && rep.Probes < maxProbes {
		k := lo + (hi-lo)/2
		text := chat + a.render(req.Entries[:k])
		n := a.Counter.Count(text)
		rep.Probes++
		if n <= req.Budget {
			if k > best {
				best, bestText, bestTokens = k, text, n
			}
			lo = k + 1
		} else {
			hi = k - 1
		}
	}

	rep.Tokens = bestTokens
	rep.FilesShown = countFiles(req.Entries, req.ChatTags, req.ChatFiles, best)
	rep.TagsShown = countTags(req.Entries, best) + len(req.ChatTags)
	rep.Truncated = best < len(req.Entries)
	return bestText, rep
}

// Render returns the outline of entries without any budget.
func (a *Assembler) Render(entries []Entry) string {
	return a.render(entries)
}

func (a *Assembler) renderChat(tags []model.Tag, files []string) string {
	entries := make([]Entry, 0, len(tags)+len(files))
	seen := make(map[string]bool)
	for i := range tags {
		entries = append(entries, Entry{File: tags[i].RelFname, Tag: &tags[i]})
		seen[tags[i].RelFname] = true
	}
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			entries = append(entries, Entry{File: f})
		}
	}
	if len(entries) == 0 {
		return ""
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].File != entries[j].File {
			return entries[i].File < entries[j].File
		}
		return entries[i].Tag != nil && entries[j].Tag != nil && entries[i].Tag.Line < entries[j].Tag.Line
	})
	return a.render(entries)
}

type fileLines struct {
	file  string
	bare  bool
	lines map[int]string
}

func (a *Assembler) render(entries []Entry) string {
	var order []*fileLines
	byFile := make(map[string]*fileLines)
	for _, e := range entries {
		fl, ok := byFile[e.File]
		if !ok {
			fl = &fileLines{file: e.File, lines: make(map[int]string)}
			byFile[e.File] = fl
			order = append(order, fl)
		}
		if e.Tag == nil {
			fl.bare = true
			continue
		}
		n, text := headLine(e.Tag)
		if _, dup := fl.lines[n]; !dup {
			fl.lines[n] = text
		}
	}

	var b strings.Builder
	for i, fl := range order {
		if i > 0 {
			b.WriteByte('\n')
		}
		if len(fl.lines) == 0 {
			b.WriteString(fl.file)
			b.WriteByte('\n')
			continue
		}
		b.WriteString(fl.file)
		b.WriteString(":\n")
		a.writeSpans(&b, fl.lines)
	}
	return b.String()
}

// writeSpans writes the lines of interest, merging consecutive line numbers
// into one span and marking elided regions.
func (a *Assembler) writeSpans(b *strings.Builder, lines map[int]string) {
	nums := make([]int, 0, len(lines))
	for n := range lines {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	if nums[0] > 1 {
		b.WriteString(elision + "\n")
	}
	for i, n := range nums {
		if i > 0 && n != nums[i-1]+1 {
			b.WriteString(elision + "\n")
		}
		b.WriteString(gutter)
		b.WriteString(a.truncate(lines[n]))
		b.WriteByte('\n')
	}
	b.WriteString(elision + "\n")
}

func (a *Assembler) truncate(line string) string {
	limit := a.MaxLineLength
	if limit <= 0 {
		limit = DefaultMaxLineLength
	}
	if utf8.RuneCountInString(line) <= limit {
		return line
	}
	runes := []rune(line)
	return string(runes[:limit])
}

// headLine picks the line of a tag to show: the first line of its content
// naming the tag, so decorators and annotations above a definition are
// skipped. Tags whose name does not appear show their first line.
func headLine(t *model.Tag) (int, string) {
	lines := strings.Split(t.Content, "\n")
	for i, l := range lines {
		if hasIdent(l, t.Name) {
			return t.Line + i, strings.TrimRight(l, "\r")
		}
	}
	return t.Line, firstLine(t.Content)
}

func hasIdent(line, name string) bool {
	if name == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(line[off:], name)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(name)
		if (start == 0 || !isIdentByte(line[start-1])) && (end == len(line) || !isIdentByte(line[end])) {
			return true
		}
		off = start + 1
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func firstLine(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i]
	}
	return strings.TrimRight(content, "\r")
}

func countFiles(entries []Entry, chat []model.Tag, chatFiles []string, k int) int {
	files := make(map[string]bool)
	for _, t := range chat {
		files[t.RelFname] = true
	}
	for _, f := range chatFiles {
		files[f] = true
	}
	for _, e := range entries[:k] {
		files[e.File] = true
	}
	return len(files)
}

func countTags(entries []Entry, k int) int {
	n := 0
	for _, e := range entries[:k] {
		if e.Tag != nil {
			n++
		}
	}
	return n
}
