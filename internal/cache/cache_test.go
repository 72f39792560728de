package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/repomap/internal/model"
)

type countingExtractor struct {
	calls atomic.Int64
	gate  chan struct{}
}

func (e *countingExtractor) Extract(_ context.Context, absPath, relPath string) []model.Tag {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil
	}
	return []model.Tag{{
		RelFname: relPath,
		Fname:    absPath,
		Name:     string(data),
		Kind:     model.Definition,
		Line:     1,
		EndLine:  1,
	}}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGetCachesUntilSignatureChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "one")

	ext := &countingExtractor{}
	c, err := New(ext)
	require.NoError(t, err)

	first := c.Get(context.Background(), path, "a.py", false)
	second := c.Get(context.Background(), path, "a.py", false)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), ext.calls.Load())

	writeFile(t, path, "three")
	third := c.Get(context.Background(), path, "a.py", false)
	require.Len(t, third, 1)
	assert.Equal(t, "three", third[0].Name)
	assert.Equal(t, int64(2), ext.calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Extractions)
}

func TestGetModTimeChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "same")

	ext := &countingExtractor{}
	c, err := New(ext)
	require.NoError(t, err)

	c.Get(context.Background(), path, "a.py", false)
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	c.Get(context.Background(), path, "a.py", false)
	assert.Equal(t, int64(2), ext.calls.Load())
}

func TestForceRefresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "x")

	ext := &countingExtractor{}
	c, err := New(ext)
	require.NoError(t, err)

	c.Get(context.Background(), path, "a.py", false)
	c.Get(context.Background(), path, "a.py", true)
	assert.Equal(t, int64(2), ext.calls.Load())

	// The refreshed entry serves later lookups.
	c.Get(context.Background(), path, "a.py", false)
	assert.Equal(t, int64(2), ext.calls.Load())
}

func TestRelPathMismatchIsMiss(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "x")

	ext := &countingExtractor{}
	c, err := New(ext)
	require.NoError(t, err)

	c.Get(context.Background(), path, "a.py", false)
	tags := c.Get(context.Background(), path, "sub/a.py", false)
	require.Len(t, tags, 1)
	assert.Equal(t, "sub/a.py", tags[0].RelFname)
	assert.Equal(t, int64(2), ext.calls.Load())
}

func TestMissingFileDropsEntry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "x")

	c, err := New(&countingExtractor{})
	require.NoError(t, err)

	c.Get(context.Background(), path, "a.py", false)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, os.Remove(path))
	assert.Empty(t, c.Get(context.Background(), path, "a.py", false))
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentMissesShareExtraction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "x")

	ext := &countingExtractor{gate: make(chan struct{})}
	c, err := New(ext)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]model.Tag, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background(), path, "a.py", false)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(ext.gate)
	wg.Wait()

	assert.Equal(t, int64(1), ext.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestMaxEntriesEvicts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c, err := New(&countingExtractor{}, WithMaxEntries(2))
	require.NoError(t, err)

	for _, name := range []string{"a.py", "b.py", "c.py"} {
		p := filepath.Join(dir, name)
		writeFile(t, p, name)
		c.Get(context.Background(), p, name, false)
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup(filepath.Join(dir, "a.py"))
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "x")

	ext := &countingExtractor{}
	c, err := New(ext)
	require.NoError(t, err)

	c.Get(context.Background(), path, "a.py", false)
	c.Invalidate(path)
	assert.Equal(t, 0, c.Len())
	c.Get(context.Background(), path, "a.py", false)
	assert.Equal(t, int64(2), ext.calls.Load())
}

// versionExtractor reads the file before waiting on gate, so a flight holds
// the content it saw when it started. Canceled contexts yield no tags.
type versionExtractor struct {
	started chan struct{}
	gate    chan struct{}
}

func (e *versionExtractor) Extract(ctx context.Context, absPath, relPath string) []model.Tag {
	data, err := os.ReadFile(absPath)
	e.started <- struct{}{}
	<-e.gate
	if err != nil || ctx.Err() != nil {
		return nil
	}
	return []model.Tag{{RelFname: relPath, Fname: absPath, Name: string(data), Kind: model.Definition, Line: 1, EndLine: 1}}
}

func TestCanceledCallerDoesNotEmptySharedExtraction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "body")

	ext := &versionExtractor{started: make(chan struct{}, 2), gate: make(chan struct{})}
	c, err := New(ext)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var first, second []model.Tag
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = c.Get(ctx, path, "a.py", false)
	}()
	<-ext.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		second = c.Get(context.Background(), path, "a.py", false)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(ext.gate)
	wg.Wait()

	require.Len(t, second, 1)
	assert.Equal(t, "body", second[0].Name)
	assert.Equal(t, first, second)

	e, ok := c.Lookup(path)
	require.True(t, ok)
	assert.Len(t, e.Tags, 1)
}

func TestChangedFileDoesNotJoinOlderExtraction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	writeFile(t, path, "old")

	ext := &versionExtractor{started: make(chan struct{}, 2), gate: make(chan struct{})}
	c, err := New(ext)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var before, after []model.Tag
	wg.Add(1)
	go func() {
		defer wg.Done()
		before = c.Get(context.Background(), path, "a.py", false)
	}()
	<-ext.started

	writeFile(t, path, "newer")
	wg.Add(1)
	go func() {
		defer wg.Done()
		after = c.Get(context.Background(), path, "a.py", false)
	}()
	select {
	case <-ext.started:
	case <-time.After(2 * time.Second):
	}
	close(ext.gate)
	wg.Wait()

	require.Len(t, before, 1)
	assert.Equal(t, "old", before[0].Name)
	require.Len(t, after, 1)
	assert.Equal(t, "newer", after[0].Name)

	// The next lookup serves the current content.
	now := c.Get(context.Background(), path, "a.py", false)
	require.Len(t, now, 1)
	assert.Equal(t, "newer", now[0].Name)
}
