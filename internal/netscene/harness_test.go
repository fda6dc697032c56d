package netscene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

// stepLoader is a scene.Loader driven by hand from tests.
type stepLoader struct {
	mu      sync.Mutex
	loaded  map[string]bool
	streams map[string]chan float64
	calls   map[string]int
}

func newStepLoader(preloaded ...string) *stepLoader {
	l := &stepLoader{
		loaded:  make(map[string]bool),
		streams: make(map[string]chan float64),
		calls:   make(map[string]int),
	}
	for _, n := range preloaded {
		l.loaded[n] = true
	}
	return l
}

func (l *stepLoader) LoadAdditive(_ context.Context, name string) (<-chan float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[name]++
	ch := make(chan float64, 16)
	l.streams[name] = ch
	return ch, nil
}

func (l *stepLoader) UnloadIfLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded[name] {
		return false
	}
	delete(l.loaded, name)
	return true
}

func (l *stepLoader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

func (l *stepLoader) started(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[name] != nil
}

func (l *stepLoader) callCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[name]
}

func (l *stepLoader) emit(name string, raw float64) {
	l.mu.Lock()
	ch := l.streams[name]
	l.mu.Unlock()
	ch <- raw
}

func (l *stepLoader) finish(name string, activated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if activated {
		l.loaded[name] = true
	}
	close(l.streams[name])
}

// testNetwork connects a coordinator to in-process peer links.
type testNetwork struct {
	mu       sync.Mutex
	links    map[lobby.ConnID]*testLink
	order    []lobby.ConnID
	failSend map[lobby.ConnID]bool
	sent     []Command
	inbound  *notify.Topic[Inbound]
	events   *notify.Topic[lobby.ConnEvent]
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		links:    make(map[lobby.ConnID]*testLink),
		failSend: make(map[lobby.ConnID]bool),
		inbound:  notify.NewTopic[Inbound]("inbound"),
		events:   notify.NewTopic[lobby.ConnEvent]("events"),
	}
}

func (n *testNetwork) connect(conn lobby.ConnID) *testLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := &testLink{conn: conn, net: n, down: notify.NewTopic[Command]("down." + string(conn))}
	n.links[conn] = l
	n.order = append(n.order, conn)
	return l
}

func (n *testNetwork) disconnect(conn lobby.ConnID) {
	n.mu.Lock()
	delete(n.links, conn)
	for i, c := range n.order {
		if c == conn {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	_ = n.events.Publish(lobby.ConnEvent{Kind: lobby.ConnDisconnected, Conn: conn})
}

func (n *testNetwork) ConnectionSet() []lobby.ConnID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]lobby.ConnID(nil), n.order...)
}

func (n *testNetwork) Send(conn lobby.ConnID, cmd Command) error {
	n.mu.Lock()
	n.sent = append(n.sent, cmd)
	link, ok := n.links[conn]
	fail := n.failSend[conn]
	n.mu.Unlock()
	if fail || !ok {
		return fmt.Errorf("connection %s: %w", conn, lobby.ErrPeerDisconnected)
	}
	return link.down.Publish(cmd)
}

func (n *testNetwork) Inbound() *notify.Topic[Inbound]        { return n.inbound }
func (n *testNetwork) Events() *notify.Topic[lobby.ConnEvent] { return n.events }

func (n *testNetwork) sentCommands() []Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Command(nil), n.sent...)
}

// testLink is one peer's Upstream.
type testLink struct {
	conn lobby.ConnID
	net  *testNetwork
	down *notify.Topic[Command]
}

func (l *testLink) Report(r Report) error {
	l.net.mu.Lock()
	_, ok := l.net.links[l.conn]
	l.net.mu.Unlock()
	if !ok {
		return errors.New("link closed")
	}
	return l.net.inbound.Publish(Inbound{Conn: l.conn, Report: r})
}

func (l *testLink) Downstream() *notify.Topic[Command] { return l.down }

// recordingEvents captures LoadEvents calls.
type recordingEvents struct {
	mu       sync.Mutex
	starts   []OpInfo
	percents []float64
	ends     []Result
}

func (e *recordingEvents) OnLoadStart(op OpInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, op)
}

func (e *recordingEvents) OnLoadPercentChange(_ OpInfo, f float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.percents = append(e.percents, f)
}

func (e *recordingEvents) OnLoadEnd(_ OpInfo, r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends = append(e.ends, r)
}

func (e *recordingEvents) snapshot() (starts int, percents []float64, ends []Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts), append([]float64(nil), e.percents...), append([]Result(nil), e.ends...)
}

func (e *recordingEvents) lastPercent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.percents) == 0 {
		return 0
	}
	return e.percents[len(e.percents)-1]
}

// peer is one participant's receiver stack.
type peer struct {
	conn   lobby.ConnID
	link   *testLink
	loader *stepLoader
	engine *scene.Engine
	recv   *Receiver
}

const testSession lobby.SessionID = "s1"

// hostFixture is a hosting participant with a coordinator and any number of peers.
type hostFixture struct {
	net    *testNetwork
	loader *stepLoader
	engine *scene.Engine
	events *recordingEvents
	coord  *Coordinator
}

func newHostFixture(t *testing.T, loadTimeout time.Duration, preloaded ...string) *hostFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &hostFixture{
		net:    newTestNetwork(),
		loader: newStepLoader(preloaded...),
		events: &recordingEvents{},
	}
	h.engine = scene.NewEngine(h.loader, nil, logger)
	h.coord = NewCoordinator(h.net, h.engine, h.events, loadTimeout, logger)
	require.NoError(t, h.coord.Start(context.Background()))
	t.Cleanup(h.coord.Stop)
	h.coord.SessionStarted(lobby.Session{ID: testSession, Role: lobby.RoleHost})
	return h
}

// addPeer connects a remote peer with its own engine.
func (h *hostFixture) addPeer(t *testing.T, conn lobby.ConnID, preloaded ...string) *peer {
	t.Helper()
	loader := newStepLoader(preloaded...)
	return h.attach(t, conn, loader, scene.NewEngine(loader, nil, zaptest.NewLogger(t)))
}

// addLocalPeer connects the host's own loop, sharing the host engine.
func (h *hostFixture) addLocalPeer(t *testing.T) *peer {
	t.Helper()
	return h.attach(t, "local", h.loader, h.engine)
}

func (h *hostFixture) attach(t *testing.T, conn lobby.ConnID, loader *stepLoader, engine *scene.Engine) *peer {
	t.Helper()
	link := h.net.connect(conn)
	recv := NewReceiver(link, engine, zaptest.NewLogger(t))
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(recv.Stop)
	recv.SessionStarted(lobby.Session{ID: testSession, Role: lobby.RoleGuest})
	return &peer{conn: conn, link: link, loader: loader, engine: engine, recv: recv}
}

func waitStarted(t *testing.T, l *stepLoader, name string) {
	t.Helper()
	require.Eventually(t, func() bool { return l.started(name) }, 2*time.Second, time.Millisecond)
}

func waitPercent(t *testing.T, e *recordingEvents, want float64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.lastPercent() >= want-1e-9 }, 2*time.Second, time.Millisecond)
}

func waitResult(t *testing.T, op *Operation) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := op.Wait(ctx)
	require.NoError(t, err)
	return res
}
