// Package discover finds parseable source files in a repository.
package discover

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/repomap/internal/lang"
)

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path     string // Relative to repo root, slash-separated
	Language string
	Size     int64
}

// Options narrows discovery.
type Options struct {
	// Languages keeps only files of the named languages when non-empty.
	Languages []string
	// Exclude holds glob patterns matched against the slash-separated
	// relative path; matching files and directories are skipped.
	Exclude []string
	// MaxFileSize skips files larger than this many bytes when positive.
	MaxFileSize int64
	// SkipTests drops files recognized by IsTestFile.
	SkipTests bool
}

// skipDirs are directory names never descended into, in addition to any
// hidden directory.
var skipDirs = map[string]bool{
	"__pycache__":   true,
	"node_modules":  true,
	"vendor":        true,
	"venv":          true,
	"env":           true,
	"build":         true,
	"dist":          true,
	"target":        true,
	"egg-info":      true,
	"site-packages": true,
}

// gitTimeout bounds the git ls-files call.
const gitTimeout = 10 * time.Second

type walker struct {
	root     string
	opts     Options
	langs    map[string]bool
	excludes []glob.Glob
	// tracked lists the files git knows about; nil outside a work tree.
	tracked map[string]bool
	ignore  *ignore.GitIgnore
	found   []FileEntry
}

// Files discovers parseable source files under root, sorted by path. Inside a
// git work tree only tracked and untracked-but-not-ignored files are listed;
// elsewhere the root .gitignore is honored.
func Files(root string, opts Options) ([]FileEntry, error) {
	excludes, err := compileGlobs(opts.Exclude)
	if err != nil {
		return nil, err
	}
	w := &walker{
		root:     root,
		opts:     opts,
		langs:    make(map[string]bool, len(opts.Languages)),
		excludes: excludes,
		tracked:  gitFiles(root),
	}
	for _, l := range opts.Languages {
		w.langs[l] = true
	}
	if w.tracked == nil {
		w.ignore = loadGitignore(root)
	}

	if err := filepath.WalkDir(root, w.visit); err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Slice(w.found, func(i, j int) bool { return w.found[i].Path < w.found[j].Path })
	return w.found, nil
}

func (w *walker) visit(p string, d fs.DirEntry, err error) error {
	if err != nil || p == w.root {
		return nil
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return nil
	}
	rel = filepath.ToSlash(rel)

	if d.IsDir() {
		name := d.Name()
		if skipDirs[name] || strings.HasPrefix(name, ".") || matchAny(w.excludes, rel) {
			return filepath.SkipDir
		}
		return nil
	}
	if entry, ok := w.accept(rel, d); ok {
		w.found = append(w.found, entry)
	}
	return nil
}

// accept applies the file filters in order of cost, stat last.
func (w *walker) accept(rel string, d fs.DirEntry) (FileEntry, bool) {
	if strings.HasPrefix(d.Name(), ".") || d.Type()&fs.ModeSymlink != 0 {
		return FileEntry{}, false
	}
	language := lang.ForExtension(path.Ext(rel))
	if language == "" || (len(w.langs) > 0 && !w.langs[language]) {
		return FileEntry{}, false
	}
	switch {
	case w.tracked != nil && !w.tracked[rel]:
		return FileEntry{}, false
	case w.tracked == nil && w.ignore != nil && w.ignore.MatchesPath(rel):
		return FileEntry{}, false
	case matchAny(w.excludes, rel), w.opts.SkipTests && IsTestFile(rel):
		return FileEntry{}, false
	}

	info, err := d.Info()
	if err != nil || (w.opts.MaxFileSize > 0 && info.Size() > w.opts.MaxFileSize) {
		return FileEntry{}, false
	}
	return FileEntry{Path: rel, Language: language, Size: info.Size()}, true
}

// gitFiles returns the files git would consider part of the work tree at
// root, or nil when root is not a git checkout or git is unavailable.
func gitFiles(root string) map[string]bool {
	if info, err := os.Stat(filepath.Join(root, ".git")); err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]bool)
	for _, f := range strings.Split(string(out), "\x00") {
		if f != "" {
			files[f] = true
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// matchAny reports whether rel or its base name matches one of globs.
func matchAny(globs []glob.Glob, rel string) bool {
	base := path.Base(rel)
	for _, g := range globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

var testDirs = map[string]bool{
	"test":      true,
	"tests":     true,
	"spec":      true,
	"__tests__": true,
}

// IsTestFile reports whether a slash-separated relative path looks like a
// test file, either by living under a test directory or by its name.
func IsTestFile(rel string) bool {
	dir, name := path.Split(rel)
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if testDirs[part] {
			return true
		}
	}
	stem := strings.TrimSuffix(name, path.Ext(name))
	switch {
	case strings.HasSuffix(stem, "_test"), strings.HasSuffix(stem, "_spec"):
		return true
	case strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py"):
		return true
	case strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"):
		return true
	}
	return false
}
