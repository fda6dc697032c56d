package lobby

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// fakeDiscovery records calls and lets tests publish notifications by hand.
type fakeDiscovery struct {
	mu          sync.Mutex
	notes       *Notifications
	user        User
	creates     int
	createReqs  []RequestID
	queryReqs   []RequestID
	joins       []SessionID
	leaves      []SessionID
	queries     int
	metadata    map[SessionID]map[string]string
	setCalls    int
	createErr   error
	joinErr     error
	queryErr    error
	setErr      error
	leaveErr    error
	metaErr     map[string]error
	visibility  map[SessionID]Visibility
	capacity    map[SessionID]int
	queryIssued chan struct{}
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{
		notes:       NewNotifications(),
		user:        User{ID: "u-alice", DisplayName: "Alice"},
		metadata:    make(map[SessionID]map[string]string),
		metaErr:     make(map[string]error),
		visibility:  make(map[SessionID]Visibility),
		capacity:    make(map[SessionID]int),
		queryIssued: make(chan struct{}, 64),
	}
}

func (f *fakeDiscovery) CreateSession(_ context.Context, req RequestID, _ Visibility, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.createReqs = append(f.createReqs, req)
	return f.createErr
}

func (f *fakeDiscovery) JoinSession(_ context.Context, id SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, id)
	return f.joinErr
}

func (f *fakeDiscovery) LeaveSession(_ context.Context, id SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
	return f.leaveErr
}

func (f *fakeDiscovery) QueryList(_ context.Context, req RequestID, _ int) error {
	f.mu.Lock()
	f.queries++
	f.queryReqs = append(f.queryReqs, req)
	err := f.queryErr
	f.mu.Unlock()
	f.queryIssued <- struct{}{}
	return err
}

func (f *fakeDiscovery) GetMetadata(_ context.Context, id SessionID, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metadata[id]
	if !ok {
		return "", errors.New("no such session")
	}
	return m[key], nil
}

func (f *fakeDiscovery) SetMetadata(_ context.Context, id SessionID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	if err, ok := f.metaErr[key]; ok {
		return err
	}
	if f.metadata[id] == nil {
		f.metadata[id] = make(map[string]string)
	}
	f.metadata[id][key] = value
	return nil
}

func (f *fakeDiscovery) SetVisibility(_ context.Context, id SessionID, v Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.visibility[id] = v
	return nil
}

func (f *fakeDiscovery) SetCapacity(_ context.Context, id SessionID, c int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.capacity[id] = c
	return nil
}

func (f *fakeDiscovery) LocalUser() User               { return f.user }
func (f *fakeDiscovery) Notifications() *Notifications { return f.notes }

func (f *fakeDiscovery) leaveCalls() []SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionID(nil), f.leaves...)
}

// lastCreate returns the request id of the latest CreateSession call.
func (f *fakeDiscovery) lastCreate() RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createReqs[len(f.createReqs)-1]
}

func (f *fakeDiscovery) queryRequests() []RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestID(nil), f.queryReqs...)
}

func (f *fakeDiscovery) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeDiscovery) setCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

func (f *fakeDiscovery) meta(id SessionID, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata[id][key]
}

func (f *fakeDiscovery) putMeta(id SessionID, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata[id] == nil {
		f.metadata[id] = make(map[string]string)
	}
	f.metadata[id][key] = value
}

// fakeTransport records connection calls.
type fakeTransport struct {
	mu          sync.Mutex
	events      *notify.Topic[ConnEvent]
	hostAddr    string
	hostErr     error
	guestErr    error
	hosting     bool
	guestAddrs  []string
	disconnects int
	started     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:   notify.NewTopic[ConnEvent]("conn"),
		hostAddr: "127.0.0.1:7777",
		started:  make(chan struct{}),
	}
}

func (t *fakeTransport) ConnectAsHost(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hostErr != nil {
		return "", t.hostErr
	}
	t.hosting = true
	return t.hostAddr, nil
}

func (t *fakeTransport) ConnectAsGuest(_ context.Context, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.guestAddrs = append(t.guestAddrs, addr)
	if t.guestErr != nil {
		return t.guestErr
	}
	if t.hosting && addr == t.hostAddr {
		close(t.started)
	}
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	if t.hosting {
		t.hosting = false
		t.started = make(chan struct{})
	}
}

func (t *fakeTransport) ConnectionSet() []ConnID { return nil }

func (t *fakeTransport) HostStarted() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *fakeTransport) Events() *notify.Topic[ConnEvent] { return t.events }

func (t *fakeTransport) guestCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.guestAddrs...)
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// recordingObserver records session observer calls in order.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) SessionStarted(s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "started "+string(s.ID)+" "+s.Role.String())
}

func (o *recordingObserver) SessionEnded(id SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "ended "+string(id))
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}
