// Package scene provides the local Scene Transition Engine: additive scene
// loads with progress reporting and loading-UI management, plus the asset
// loader and UI boundaries it drives.
package scene

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrSceneLoadFailed is returned when a scene could not be loaded.
	ErrSceneLoadFailed = errors.New("scene load failed")
	// ErrInvalidSceneName is returned for empty scene names.
	ErrInvalidSceneName = errors.New("invalid scene name")
	// ErrSceneNotFound is returned by loaders for scenes they do not know.
	ErrSceneNotFound = errors.New("scene not found")
)

// Loader is the scene asset boundary.
type Loader interface {
	// LoadAdditive starts loading name alongside the scenes already loaded.
	// Raw progress values are sent on the returned channel, which is closed
	// when the loader stops. The load succeeded iff IsLoaded(name) is true
	// once the channel is closed. Loaders stop early when ctx is cancelled.
	LoadAdditive(ctx context.Context, name string) (<-chan float64, error)
	// UnloadIfLoaded unloads name and reports whether it was loaded.
	UnloadIfLoaded(name string) bool
	// IsLoaded reports whether name is currently loaded.
	IsLoaded(name string) bool
}

// UI is the loading-screen sink. Calls are fire-and-forget.
type UI interface {
	ShowLoading(scene string)
	SetProgress(scene string, fraction float64)
	HideLoading(scene string)
}

// NopUI discards every call.
type NopUI struct{}

func (NopUI) ShowLoading(string)          {}
func (NopUI) SetProgress(string, float64) {}
func (NopUI) HideLoading(string)          {}

// LoadingText renders a fraction the way the loading screen displays it.
func LoadingText(fraction float64) string {
	return fmt.Sprintf("Loading... %.0f%%", clamp01(fraction)*100)
}

// TextUI writes loading-screen updates as lines of text.
type TextUI struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextUI creates a TextUI writing to w.
//
// Precondition: w must be non-nil.
func NewTextUI(w io.Writer) *TextUI {
	return &TextUI{w: w}
}

func (u *TextUI) ShowLoading(scene string) {
	u.printf("[%s] Loading... \n", scene)
}

func (u *TextUI) SetProgress(scene string, fraction float64) {
	u.printf("[%s] %s\n", scene, LoadingText(fraction))
}

func (u *TextUI) HideLoading(scene string) {
	u.printf("[%s] loading screen hidden\n", scene)
}

func (u *TextUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, _ = fmt.Fprintf(u.w, format, args...)
}

// Normalize maps raw loader progress to [0, 1]. Loaders park at 0.9 until
// activation, so 0.9 already counts as fully loaded.
func Normalize(raw float64) float64 {
	return clamp01(raw / 0.9)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
