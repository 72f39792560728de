package repomap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/repomap/internal/model"
	"github.com/phobologic/repomap/internal/parse"
	"github.com/phobologic/repomap/internal/tokens"
)

const (
	srcA = `def process_data(x):
    return x * 2


class Handler:
    def handle(self, item):
        return process_data(item)
`
	srcB = `from a import process_data


def run_job():
    return process_data(1)
`
	srcC = `from a import Handler, process_data


def main():
    h = Handler()
    return process_data(h.handle(3))
`
	srcD = `process_data(4)
`
)

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newRepo(t *testing.T, opts ...Option) (*RepoMap, string) {
	t.Helper()
	root := writeRepo(t, map[string]string{"a.py": srcA, "b.py": srcB, "c.py": srcC, "d.py": srcD})
	m, err := New(root, opts...)
	require.NoError(t, err)
	return m, root
}

func TestGetRankedTagsReferencedFileFirst(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	ranked, err := m.GetRankedTags(context.Background(), RankRequest{
		OtherFiles: []string{"a.py", "b.py", "c.py"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ranked)

	assert.Equal(t, "a.py", ranked[0].Tag.RelFname)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
	for _, rt := range ranked {
		assert.True(t, rt.Tag.IsDef(), "%+v", rt.Tag)
	}
}

func TestGetRankedTagsMentionedIdent(t *testing.T) {
	t.Parallel()
	root := writeRepo(t, map[string]string{
		"x.py": "def alpha_fn():\n    pass\n",
		"y.py": "def beta_fn():\n    pass\n",
		"z.py": "alpha_fn()\nbeta_fn()\n",
	})
	m, err := New(root)
	require.NoError(t, err)

	ranked, err := m.GetRankedTags(context.Background(), RankRequest{
		OtherFiles:      []string{"x.py", "y.py", "z.py"},
		MentionedIdents: []string{"beta_fn"},
	})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "beta_fn", ranked[0].Tag.Name)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestGetRankingFileRanks(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	ranked, ranks, err := m.GetRanking(context.Background(), RankRequest{
		OtherFiles: []string{"a.py", "b.py", "c.py"},
	})
	require.NoError(t, err)
	require.Len(t, ranks, 3)

	sum := 0.0
	for _, r := range ranks {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	perFile := make(map[string]float64)
	for _, rt := range ranked {
		perFile[rt.Tag.RelFname] += rt.Score
	}
	for f, total := range perFile {
		assert.InDelta(t, ranks[f], total, 1e-9, f)
	}
}

func TestGetRepoMapListsChatFileWithoutDefinitions(t *testing.T) {
	t.Parallel()
	root := writeRepo(t, map[string]string{
		"lib.py":    "def alpha_fn():\n    pass\n",
		"script.py": "alpha_fn()\n",
	})
	m, err := New(root)
	require.NoError(t, err)

	text, rep, err := m.GetRepoMap(context.Background(), MapRequest{
		ChatFiles:  []string{"script.py"},
		OtherFiles: []string{"lib.py", "script.py"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "script.py\n"), text)
	assert.Contains(t, text, "│def alpha_fn():")
	assert.Equal(t, 2, rep.FilesShown)
}

func TestGetRankedTagsHideChatFiles(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	ranked, err := m.GetRankedTags(context.Background(), RankRequest{
		ChatFiles:     []string{"a.py"},
		OtherFiles:    []string{"a.py", "b.py", "c.py"},
		HideChatFiles: true,
	})
	require.NoError(t, err)
	for _, rt := range ranked {
		assert.NotEqual(t, "a.py", rt.Tag.RelFname)
	}
}

func TestGetRepoMapChatFirst(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	text, rep, err := m.GetRepoMap(context.Background(), MapRequest{
		ChatFiles:  []string{"c.py"},
		OtherFiles: []string{"a.py", "b.py", "d.py"},
	})
	require.NoError(t, err)

	chatIdx := strings.Index(text, "c.py:")
	aIdx := strings.Index(text, "a.py:")
	require.GreaterOrEqual(t, chatIdx, 0, text)
	require.GreaterOrEqual(t, aIdx, 0, text)
	assert.Less(t, chatIdx, aIdx)
	assert.Contains(t, text, "│def process_data(x):")
	assert.Equal(t, 1, strings.Count(text, "c.py:"))
	assert.False(t, rep.Truncated)
	assert.LessOrEqual(t, rep.Tokens, rep.Budget)
}

func TestGetRepoMapUnrankedFiles(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)
	req := MapRequest{OtherFiles: []string{"a.py", "d.py"}}

	text, _, err := m.GetRepoMap(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, text, "\nd.py\n")
	assert.NotContains(t, text, "d.py:")

	req.ExcludeUnranked = true
	text, _, err = m.GetRepoMap(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, text, "d.py")
}

func TestGetRepoMapTinyBudget(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	text, rep, err := m.GetRepoMap(context.Background(), MapRequest{
		OtherFiles: []string{"a.py", "b.py", "c.py"},
		TokenLimit: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.True(t, rep.Truncated)
	assert.Equal(t, 1, rep.Budget)
}

func TestGetRepoMapEmptyRequest(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	text, rep, err := m.GetRepoMap(context.Background(), MapRequest{})
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, 0, rep.Tokens)
}

func TestGetRepoMapLargerLimitKeepsFiles(t *testing.T) {
	t.Parallel()
	files := map[string]string{}
	var names []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("mod%02d.py", i)
		files[name] = fmt.Sprintf("def func_%d(a, b):\n    return helper_%d(a)\n\n\ndef helper_%d(v):\n    return func_%d(v, v)\n", i, (i+1)%12, i, (i+5)%12)
		names = append(names, name)
	}
	m, err := New(writeRepo(t, files))
	require.NoError(t, err)

	prev := map[string]bool{}
	for limit := 10; limit <= 400; limit += 30 {
		text, rep, err := m.GetRepoMap(context.Background(), MapRequest{OtherFiles: names, TokenLimit: limit})
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.Tokens, limit)

		shown := map[string]bool{}
		for _, n := range names {
			if strings.Contains(text, n) {
				shown[n] = true
			}
		}
		for f := range prev {
			assert.True(t, shown[f], "limit %d dropped %s", limit, f)
		}
		prev = shown
	}
}

func TestGetRepoMapInvalidInput(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	_, _, err := m.GetRepoMap(context.Background(), MapRequest{OtherFiles: []string{"a.py"}, TokenLimit: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = m.GetRepoMap(context.Background(), MapRequest{OtherFiles: []string{"a.py"}, MaxContextWindow: -5})
	assert.ErrorIs(t, err, ErrInvalidInput)

	neg := -1
	_, err = m.GetSemanticBlocks(context.Background(), []string{"a.py"}, &neg)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New("")
	assert.ErrorIs(t, err, ErrInvalidInput)

	s := DefaultSettings()
	s.TokenLimit = -3
	_, err = New(t.TempDir(), WithSettings(s))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetRepoMapCanceledContext(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := m.GetRepoMap(ctx, MapRequest{OtherFiles: []string{"a.py"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		window     int
		hasChat    bool
		want       int
	}{
		{"plain", 1, 1024, 0, true, 1024},
		{"no chat multiplier", 8, 1024, 0, false, 8192},
		{"multiplier ignored with chat", 8, 1024, 0, true, 1024},
		{"window caps", 8, 1024, 16000, false, 2000},
		{"window above limit", 1, 1024, 128000, true, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			s.NoChatMultiplier = tt.multiplier
			m, err := New(t.TempDir(), WithSettings(s))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.budget(tt.limit, tt.window, tt.hasChat))
		})
	}
}

func TestGetSemanticBlocksWithinLimit(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)
	files := []string{"a.py", "b.py", "c.py"}

	for _, limit := range []int{0, 5, 20, 60, 1000} {
		got, err := m.GetSemanticBlocks(context.Background(), files, &limit)
		require.NoError(t, err)

		total := 0
		for _, b := range got {
			total += m.Counter().Count(b.Content)
			assert.Greater(t, b.RankScore, 0.0)
		}
		assert.LessOrEqual(t, total, limit)
	}

	limit := 1000
	got, err := m.GetSemanticBlocks(context.Background(), files, &limit)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "a.py", got[0].FilePath)
}

func TestGetSemanticBlocksUnlimited(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	got, err := m.GetSemanticBlocks(context.Background(), []string{"b.py", "a.py", "d.py"}, nil)
	require.NoError(t, err)

	var names []string
	for _, b := range got {
		assert.Zero(t, b.RankScore)
		names = append(names, b.FilePath+":"+b.Name)
	}
	assert.Equal(t, []string{"b.py:run_job", "a.py:process_data", "a.py:Handler", "a.py:handle"}, names)
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	m, _ := newRepo(t)

	deps, err := m.Dependencies(context.Background(), []string{"a.py", "b.py"})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "b.py", deps[0].Source)
	assert.Equal(t, "a.py", deps[0].Target)
	assert.Contains(t, deps[0].Symbols, "process_data")
}

func TestAbsoluteAndRelativePaths(t *testing.T) {
	t.Parallel()
	m, root := newRepo(t)

	ranked, err := m.GetRankedTags(context.Background(), RankRequest{
		OtherFiles: []string{filepath.Join(root, "a.py"), "a.py", "./b.py"},
	})
	require.NoError(t, err)

	files := map[string]bool{}
	for _, rt := range ranked {
		files[rt.Tag.RelFname] = true
		assert.Equal(t, filepath.Join(root, rt.Tag.RelFname), rt.Tag.Fname)
	}
	assert.Equal(t, map[string]bool{"a.py": true, "b.py": true}, files)
}

func TestExtractorRunsOncePerFile(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	inner := parse.NewExtractor()
	counting := extractorFunc(func(ctx context.Context, absPath, relPath string) []model.Tag {
		calls.Add(1)
		return inner.Extract(ctx, absPath, relPath)
	})
	m, _ := newRepo(t, WithExtractor(counting), WithConcurrency(2))

	req := MapRequest{ChatFiles: []string{"c.py"}, OtherFiles: []string{"a.py", "b.py"}}
	first, _, err := m.GetRepoMap(context.Background(), req)
	require.NoError(t, err)
	second, _, err := m.GetRepoMap(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(3), m.Cache().Stats().Hits)

	req.ForceRefresh = true
	_, _, err = m.GetRepoMap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(6), calls.Load())
}

type extractorFunc func(ctx context.Context, absPath, relPath string) []model.Tag

func (f extractorFunc) Extract(ctx context.Context, absPath, relPath string) []model.Tag {
	return f(ctx, absPath, relPath)
}

func TestManager(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mg := NewManager()

	a, err := mg.Get(root, "claude-3-5-sonnet")
	require.NoError(t, err)
	b, err := mg.Get(root, "claude-3-5-sonnet")
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.IsType(t, &tokens.BPE{}, a.Counter())
	assert.Equal(t, "cl100k_base", a.Counter().(*tokens.BPE).Encoding)

	c, err := mg.Get(root, "gpt-4o")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	require.IsType(t, &tokens.BPE{}, c.Counter())
	assert.Equal(t, "o200k_base", c.Counter().(*tokens.BPE).Encoding)
	assert.Equal(t, 1, mg.Len())

	mg.Drop(root)
	assert.Equal(t, 0, mg.Len())
}
