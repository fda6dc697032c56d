package scene

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimulatedLoader is a Loader backed by a Catalog. Each load reports
// Steps evenly spaced raw progress values up to 0.9, waiting StepDelay
// before each one, and then activates the scene.
type SimulatedLoader struct {
	catalog *Catalog
	mu      sync.Mutex
	loaded  map[string]bool
}

// NewSimulatedLoader creates a loader over catalog with preloaded scenes
// already marked loaded.
//
// Precondition: catalog must be non-nil.
func NewSimulatedLoader(catalog *Catalog, preloaded ...string) *SimulatedLoader {
	l := &SimulatedLoader{catalog: catalog, loaded: make(map[string]bool)}
	for _, name := range preloaded {
		l.loaded[name] = true
	}
	return l
}

// LoadAdditive starts a simulated load of name. Loading a scene that is
// already loaded completes immediately.
//
// Postcondition: Returns ErrSceneNotFound for names missing from the catalog.
func (l *SimulatedLoader) LoadAdditive(ctx context.Context, name string) (<-chan float64, error) {
	def, ok := l.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrSceneNotFound)
	}
	ch := make(chan float64, 1)
	if l.IsLoaded(name) {
		close(ch)
		return ch, nil
	}
	go l.run(ctx, def, ch)
	return ch, nil
}

func (l *SimulatedLoader) run(ctx context.Context, def Definition, ch chan<- float64) {
	defer close(ch)
	for i := 1; i <= def.Steps; i++ {
		if def.StepDelay > 0 {
			t := time.NewTimer(def.StepDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case ch <- 0.9 * float64(i) / float64(def.Steps):
		case <-ctx.Done():
			return
		}
	}
	l.mu.Lock()
	l.loaded[def.Name] = true
	l.mu.Unlock()
}

// UnloadIfLoaded unloads name and reports whether it was loaded.
func (l *SimulatedLoader) UnloadIfLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded[name] {
		return false
	}
	delete(l.loaded, name)
	return true
}

// IsLoaded reports whether name is currently loaded.
func (l *SimulatedLoader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

// Loaded returns the names of every loaded scene.
func (l *SimulatedLoader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.loaded))
	for n := range l.loaded {
		out = append(out, n)
	}
	return out
}
