package netscene

import (
	"fmt"
	"io"
	"sync"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

// OpInfo identifies a scene change to UI sinks.
type OpInfo struct {
	ID      string
	Scene   string
	Session lobby.SessionID
	Scope   []lobby.ConnID
}

// LoadEvents receives aggregate scene change progress. Calls are
// fire-and-forget and must not call back into the Coordinator.
type LoadEvents interface {
	OnLoadStart(op OpInfo)
	OnLoadPercentChange(op OpInfo, fraction float64)
	OnLoadEnd(op OpInfo, result Result)
}

// NopLoadEvents discards every event.
type NopLoadEvents struct{}

func (NopLoadEvents) OnLoadStart(OpInfo)                  {}
func (NopLoadEvents) OnLoadPercentChange(OpInfo, float64) {}
func (NopLoadEvents) OnLoadEnd(OpInfo, Result)            {}

// TextLoadEvents writes aggregate progress the way the loading screen shows it.
type TextLoadEvents struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextLoadEvents creates a TextLoadEvents writing to w.
func NewTextLoadEvents(w io.Writer) *TextLoadEvents {
	return &TextLoadEvents{w: w}
}

func (e *TextLoadEvents) OnLoadStart(op OpInfo) {
	e.printf("[%s] Loading... (%d peers)\n", op.Scene, len(op.Scope))
}

func (e *TextLoadEvents) OnLoadPercentChange(op OpInfo, fraction float64) {
	e.printf("[%s] %s\n", op.Scene, scene.LoadingText(fraction))
}

func (e *TextLoadEvents) OnLoadEnd(op OpInfo, result Result) {
	e.printf("[%s] %s: %d loaded, %d failed, %d disconnected\n",
		op.Scene, result.Outcome, len(result.Completed), len(result.Failed), len(result.Excluded))
}

func (e *TextLoadEvents) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = fmt.Fprintf(e.w, format, args...)
}
