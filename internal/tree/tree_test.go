package tree

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/tokens"
)

func defTag(file string, line int, content string) model.Tag {
	return model.Tag{RelFname: file, Line: line, EndLine: line, Name: fmt.Sprintf("n%d", line), Kind: model.Definition, Content: content}
}

func ranked(tags ...model.Tag) []model.RankedTag {
	out := make([]model.RankedTag, len(tags))
	for i, t := range tags {
		out[i] = model.RankedTag{Score: float64(len(tags) - i), Tag: t}
	}
	return out
}

var chars = tokens.CounterFunc(func(s string) int { return len(s) })

func TestRenderMergesAdjacentLines(t *testing.T) {
	t.Parallel()

	a := NewAssembler(chars)
	got := a.Render(Entries(ranked(
		defTag("pkg/file.py", 7, "class Bar:\n    pass"),
		defTag("pkg/file.py", 3, "def foo():\n    return 1"),
		defTag("pkg/file.py", 8, "    def baz(self):"),
	), nil))

	want := "pkg/file.py:\n" +
		"⋮\n" +
		"│def foo():\n" +
		"⋮\n" +
		"│class Bar:\n" +
		"│    def baz(self):\n" +
		"⋮\n"
	assert.Equal(t, want, got)
}

func TestRenderFirstLineNoLeadingElision(t *testing.T) {
	t.Parallel()

	got := NewAssembler(chars).Render(Entries(ranked(defTag("a.go", 1, "package a")), nil))
	assert.Equal(t, "a.go:\n│package a\n⋮\n", got)
}

func TestRenderDeduplicatesLines(t *testing.T) {
	t.Parallel()

	t1 := defTag("a.py", 2, "x = f()")
	t2 := t1
	t2.Name = "other"
	got := NewAssembler(chars).Render(Entries(ranked(t1, t2), nil))
	assert.Equal(t, 1, strings.Count(got, "│x = f()"))
}

func TestRenderShowsDecoratedDefinitionName(t *testing.T) {
	t.Parallel()

	class := model.Tag{RelFname: "svc.py", Name: "Service", Kind: model.Definition, Line: 1, EndLine: 8,
		Content: "class Service:\n    @property\n    def endpoint_url(self):\n        return self._url\n\n    @staticmethod\n    def build_client():\n        pass"}
	prop := model.Tag{RelFname: "svc.py", Name: "endpoint_url", Kind: model.Definition, Line: 2, EndLine: 4,
		Content: "    @property\n    def endpoint_url(self):\n        return self._url"}
	static := model.Tag{RelFname: "svc.py", Name: "build_client", Kind: model.Definition, Line: 6, EndLine: 8,
		Content: "    @staticmethod\n    def build_client():\n        pass"}

	got := NewAssembler(chars).Render(Entries(ranked(class, prop, static), nil))
	want := "svc.py:\n" +
		"│class Service:\n" +
		"⋮\n" +
		"│    def endpoint_url(self):\n" +
		"⋮\n" +
		"│    def build_client():\n" +
		"⋮\n"
	assert.Equal(t, want, got)
}

func TestHeadLineMatchesWholeIdentifier(t *testing.T) {
	t.Parallel()

	tag := model.Tag{Name: "run", Line: 10, Content: "@runner\ndef run():"}
	n, text := headLine(&tag)
	assert.Equal(t, 11, n)
	assert.Equal(t, "def run():", text)
}

func TestRenderGroupsByFirstAppearance(t *testing.T) {
	t.Parallel()

	got := NewAssembler(chars).Render(Entries(ranked(
		defTag("b.py", 4, "def b1():"),
		defTag("a.py", 4, "def a1():"),
		defTag("b.py", 9, "def b2():"),
	), []string{"c.py"}))

	bIdx := strings.Index(got, "b.py:")
	aIdx := strings.Index(got, "a.py:")
	cIdx := strings.Index(got, "c.py\n")
	require.True(t, bIdx >= 0 && aIdx >= 0 && cIdx >= 0, got)
	assert.Less(t, bIdx, aIdx)
	assert.Less(t, aIdx, cIdx)
	assert.Equal(t, 1, strings.Count(got, "b.py:"))
	assert.NotContains(t, got, "c.py:")
}

func TestRenderTruncatesLongLines(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 150)
	got := NewAssembler(chars).Render(Entries(ranked(defTag("a.py", 1, long)), nil))
	assert.Contains(t, got, "│"+strings.Repeat("é", DefaultMaxLineLength)+"\n")
	assert.NotContains(t, got, strings.Repeat("é", DefaultMaxLineLength+1))
}

func TestFitEverythingFits(t *testing.T) {
	t.Parallel()

	entries := Entries(ranked(
		defTag("a.py", 1, "def a():"),
		defTag("b.py", 1, "def b():"),
	), nil)
	text, rep := NewAssembler(chars).Fit(Request{Entries: entries, Budget: 10_000})

	assert.Contains(t, text, "a.py:")
	assert.Contains(t, text, "b.py:")
	assert.False(t, rep.Truncated)
	assert.Equal(t, 2, rep.FilesShown)
	assert.Equal(t, 2, rep.TagsShown)
	assert.Equal(t, len(text), rep.Tokens)
}

func TestFitTinyBudget(t *testing.T) {
	t.Parallel()

	entries := Entries(ranked(defTag("a.py", 1, "def a():")), nil)
	text, rep := NewAssembler(chars).Fit(Request{Entries: entries, Budget: 1})

	assert.Empty(t, text)
	assert.True(t, rep.Truncated)
	assert.Equal(t, 0, rep.FilesShown)
	assert.Equal(t, 0, rep.Tokens)
}

func TestFitChatOnlyWhenBudgetTight(t *testing.T) {
	t.Parallel()

	chat := []model.Tag{defTag("chat.py", 1, "def mine():")}
	entries := Entries(ranked(defTag("a.py", 1, "def a():")), nil)
	a := NewAssembler(chars)

	chatText := a.Render(Entries(ranked(chat...), nil))
	text, rep := a.Fit(Request{Entries: entries, ChatTags: chat, Budget: len(chatText)})

	assert.Equal(t, chatText, text)
	assert.True(t, rep.Truncated)
	assert.Equal(t, 1, rep.FilesShown)
	assert.Equal(t, 1, rep.TagsShown)
}

func TestFitChatExceedsBudget(t *testing.T) {
	t.Parallel()

	chat := []model.Tag{defTag("chat.py", 1, "def mine():")}
	text, rep := NewAssembler(chars).Fit(Request{ChatTags: chat, Budget: 3})

	assert.Contains(t, text, "chat.py:")
	assert.True(t, rep.Truncated)
	assert.Greater(t, rep.Tokens, rep.Budget)
}

func TestFitListsChatFilesWithoutDefinitions(t *testing.T) {
	t.Parallel()

	chat := []model.Tag{defTag("b.py", 1, "def mine():")}
	text, rep := NewAssembler(chars).Fit(Request{
		ChatTags:  chat,
		ChatFiles: []string{"b.py", "a_script.py"},
		Budget:    10_000,
	})

	assert.Equal(t, "a_script.py\n\nb.py:\n│def mine():\n⋮\n", text)
	assert.Equal(t, 2, rep.FilesShown)
	assert.Equal(t, 2, rep.FilesTotal)
}

func TestFitNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	var tags []model.Tag
	for i := 0; i < 40; i++ {
		tags = append(tags, defTag(fmt.Sprintf("f%02d.py", i%7), i*3+1, fmt.Sprintf("def func_%d(arg):", i)))
	}
	entries := Entries(ranked(tags...), []string{"z1.py", "z2.py"})
	a := NewAssembler(tokens.Heuristic{})

	for budget := 0; budget < 400; budget += 13 {
		text, rep := a.Fit(Request{Entries: entries, Budget: budget})
		assert.LessOrEqual(t, rep.Tokens, budget)
		assert.Equal(t, a.Counter.Count(text), rep.Tokens)
		assert.LessOrEqual(t, rep.Probes, DefaultMaxProbes)
	}
}

func TestFitLargerBudgetKeepsFiles(t *testing.T) {
	t.Parallel()

	var tags []model.Tag
	for i := 0; i < 30; i++ {
		tags = append(tags, defTag(fmt.Sprintf("f%02d.py", i%9), i+1, fmt.Sprintf("def handler_%d():", i)))
	}
	entries := Entries(ranked(tags...), []string{"bare1.py", "bare2.py"})
	a := NewAssembler(tokens.Heuristic{})

	prev := map[string]bool{}
	for budget := 0; budget <= 600; budget += 20 {
		text, _ := a.Fit(Request{Entries: entries, Budget: budget})
		files := filesIn(text)
		for f := range prev {
			assert.True(t, files[f], "budget %d dropped %s", budget, f)
		}
		prev = files
	}
}

func TestFitProbeLimit(t *testing.T) {
	t.Parallel()

	var tags []model.Tag
	for i := 0; i < 100; i++ {
		tags = append(tags, defTag("a.py", i*2+1, "x"))
	}
	a := NewAssembler(chars)
	a.MaxProbes = 2
	text, rep := a.Fit(Request{Entries: Entries(ranked(tags...), nil), Budget: 120})

	assert.Equal(t, 2, rep.Probes)
	assert.LessOrEqual(t, len(text), 120)
}

func filesIn(text string) map[string]bool {
	files := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, "│") || line == "⋮" {
			continue
		}
		files[strings.TrimSuffix(line, ":")] = true
	}
	return files
}
