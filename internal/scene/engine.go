package scene

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// Operation is one in-flight or finished scene load. Callers that load the
// same scene while it is pending share the same Operation.
type Operation struct {
	scene    string
	ticks    *notify.Topic[float64]
	done     chan struct{}
	mu       sync.Mutex
	progress float64
	err      error
}

func newOperation(scene string) *Operation {
	return &Operation{
		scene: scene,
		ticks: notify.NewTopic[float64]("scene." + scene),
		done:  make(chan struct{}),
	}
}

// Scene returns the name of the scene being loaded.
func (o *Operation) Scene() string { return o.scene }

// Done is closed when the load reaches a terminal state.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns the terminal error, or nil while pending or after success.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Progress returns the latest normalized progress in [0, 1].
func (o *Operation) Progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Subscribe returns a channel of progress ticks and a function releasing it.
// The channel is closed when the load finishes. Ticks published before the
// call are not replayed; use Progress for the current value.
func (o *Operation) Subscribe() (<-chan float64, func()) {
	sub := o.ticks.Subscribe(notify.DefaultBuffer)
	return sub.C(), func() { o.ticks.Unsubscribe(sub) }
}

// Wait blocks until the load finishes or ctx is done.
//
// Postcondition: Returns the load error, or ctx.Err() if ctx ended first.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advance records p if it moves progress forward and reports whether it did.
func (o *Operation) advance(p float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p <= o.progress {
		return false
	}
	o.progress = p
	return true
}

func (o *Operation) finish(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.ticks.Close()
	close(o.done)
}

// LoadOption adjusts a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	silent bool
}

// Silent suppresses the loading UI for this load. It is used by callers that
// render their own aggregate progress.
func Silent() LoadOption {
	return func(o *loadOptions) { o.silent = true }
}

// Engine drives additive scene loads and unloads through a Loader.
// All methods are safe for concurrent use; loads of different scenes proceed
// independently.
type Engine struct {
	loader  Loader
	ui      UI
	logger  *zap.Logger
	mu      sync.Mutex
	pending map[string]*Operation
}

// NewEngine creates an Engine.
//
// Precondition: loader and logger must be non-nil. A nil ui is replaced by NopUI.
func NewEngine(loader Loader, ui UI, logger *zap.Logger) *Engine {
	if ui == nil {
		ui = NopUI{}
	}
	return &Engine{
		loader:  loader,
		ui:      ui,
		logger:  logger,
		pending: make(map[string]*Operation),
	}
}

// Load starts loading name additively, then closes every scene in closeList.
// It returns immediately; the load is driven in the background and bounded by ctx.
//
// Precondition: name must be non-empty.
// Postcondition: Returns the pending Operation for name (an existing one if
// name is already loading), or an error wrapping ErrSceneLoadFailed. On error
// the loading UI was never shown.
func (e *Engine) Load(ctx context.Context, name string, closeList []string, opts ...LoadOption) (*Operation, error) {
	if strings.TrimSpace(name) == "" {
		e.logger.Error("load called with invalid scene name")
		return nil, fmt.Errorf("%w: %w", ErrSceneLoadFailed, ErrInvalidSceneName)
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	if op, ok := e.pending[name]; ok {
		e.mu.Unlock()
		e.logger.Debug("scene already loading, attaching", zap.String("scene", name))
		e.closeAll(closeList)
		return op, nil
	}
	ticks, err := e.loader.LoadAdditive(ctx, name)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("failed to load scene; make sure the scene exists in the catalog",
			zap.String("scene", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: scene %q: %w", ErrSceneLoadFailed, name, err)
	}
	op := newOperation(name)
	e.pending[name] = op
	e.mu.Unlock()

	if !o.silent {
		e.ui.ShowLoading(name)
	}
	go e.drive(ctx, op, ticks, o.silent)

	e.closeAll(closeList)
	return op, nil
}

// drive consumes loader ticks until the loader stops or ctx ends.
func (e *Engine) drive(ctx context.Context, op *Operation, ticks <-chan float64, silent bool) {
	for {
		select {
		case raw, ok := <-ticks:
			if !ok {
				if !e.loader.IsLoaded(op.scene) {
					err := ctx.Err()
					if err == nil {
						err = fmt.Errorf("loader stopped before %q was activated", op.scene)
					}
					e.complete(op, silent, fmt.Errorf("%w: scene %q: %w", ErrSceneLoadFailed, op.scene, err))
					return
				}
				e.tick(op, 1, silent)
				e.complete(op, silent, nil)
				return
			}
			e.tick(op, Normalize(raw), silent)
		case <-ctx.Done():
			e.complete(op, silent, fmt.Errorf("%w: scene %q: %w", ErrSceneLoadFailed, op.scene, ctx.Err()))
			return
		}
	}
}

func (e *Engine) tick(op *Operation, p float64, silent bool) {
	if !op.advance(p) {
		return
	}
	if !silent {
		e.ui.SetProgress(op.scene, p)
	}
	// Slow subscribers miss intermediate ticks; Progress stays authoritative.
	_ = op.ticks.Publish(p)
}

func (e *Engine) complete(op *Operation, silent bool, err error) {
	e.mu.Lock()
	if e.pending[op.scene] == op {
		delete(e.pending, op.scene)
	}
	e.mu.Unlock()

	if !silent {
		e.ui.HideLoading(op.scene)
	}
	if err != nil {
		e.logger.Error("scene load failed", zap.String("scene", op.scene), zap.Error(err))
	} else {
		e.logger.Info("scene loaded", zap.String("scene", op.scene))
	}
	op.finish(err)
}

// Close unloads name if it is loaded. Closing a scene that is not loaded is a
// logged no-op.
//
// Precondition: name must be non-empty.
// Postcondition: Returns ErrInvalidSceneName for an empty name, nil otherwise.
func (e *Engine) Close(name string) error {
	if strings.TrimSpace(name) == "" {
		e.logger.Error("close called with invalid scene name")
		return ErrInvalidSceneName
	}
	if !e.loader.UnloadIfLoaded(name) {
		e.logger.Warn("scene is not loaded", zap.String("scene", name))
		return nil
	}
	e.logger.Info("scene closed", zap.String("scene", name))
	return nil
}

func (e *Engine) closeAll(names []string) {
	for _, name := range names {
		_ = e.Close(name)
	}
}

// Pending returns the in-flight operation for name, if any.
func (e *Engine) Pending(name string) (*Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.pending[name]
	return op, ok
}

// IsLoaded reports whether name is currently loaded.
func (e *Engine) IsLoaded(name string) bool {
	return e.loader.IsLoaded(name)
}
