package repomap

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/phobologic/repomap/internal/tokens"
)

// Manager keeps one engine per repository root so that parse caches survive
// across requests. An engine is rebuilt when a request names a different
// model than the one it was built for.
type Manager struct {
	mu      sync.Mutex
	opts    []Option
	engines map[string]managed
}

type managed struct {
	model string
	rm    *RepoMap
}

// NewManager returns a Manager that builds engines with opts.
func NewManager(opts ...Option) *Manager {
	return &Manager{opts: opts, engines: make(map[string]managed)}
}

// Get returns the engine for root, creating it if needed.
func (mg *Manager) Get(root, model string) (*RepoMap, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	if e, ok := mg.engines[abs]; ok && e.model == model {
		return e.rm, nil
	}

	opts := append(append([]Option{}, mg.opts...), WithCounter(tokens.ForModel(model)))
	rm, err := New(abs, opts...)
	if err != nil {
		return nil, err
	}
	mg.engines[abs] = managed{model: model, rm: rm}
	return rm, nil
}

// Drop forgets the engine for root.
func (mg *Manager) Drop(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	mg.mu.Lock()
	delete(mg.engines, abs)
	mg.mu.Unlock()
}

// Len returns the number of live engines.
func (mg *Manager) Len() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.engines)
}
