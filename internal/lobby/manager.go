package lobby

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// StateChange describes one state machine transition. Err is set when the
// transition is a rollback or a forced leave.
type StateChange struct {
	From    State
	To      State
	Session Session
	Err     error
}

type createRequest struct {
	request    RequestID
	visibility Visibility
	capacity   int
}

// Manager is the Session Lifecycle State Machine.
//
// Transitions are serialized: local commands and notification handlers each
// run as one step, and a step may call the discovery service, the transport
// and session observers. Readers such as State never wait for a step.
type Manager struct {
	discovery   Discovery
	transport   Transport
	logger      *zap.Logger
	callTimeout time.Duration
	changes     *notify.Topic[StateChange]

	// step serializes transitions. Fields below it are written only while
	// step is held; mu additionally guards them for readers.
	step      sync.Mutex
	observers []SessionObserver
	runCtx    context.Context
	requests  RequestID
	create    createRequest
	joiningID SessionID
	// abandoned holds sessions left while their join was still in flight.
	abandoned map[SessionID]struct{}
	hostAddr  string
	selfEnter bool
	stashed   *EnterResult
	attempt   uint64
	timer     *time.Timer

	mu      sync.Mutex
	state   State
	session Session

	cancel context.CancelFunc
	done   chan struct{}
	subs   func()
}

// NewManager creates an idle Manager.
//
// Precondition: discovery, transport and logger must be non-nil.
// callTimeout <= 0 disables the bound on create and join notifications.
func NewManager(discovery Discovery, transport Transport, callTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		discovery:   discovery,
		transport:   transport,
		logger:      logger,
		callTimeout: callTimeout,
		changes:     notify.NewTopic[StateChange]("session.state"),
		runCtx:      context.Background(),
		abandoned:   make(map[SessionID]struct{}),
	}
}

// AddObserver registers o for session start and end calls.
func (m *Manager) AddObserver(o SessionObserver) {
	m.step.Lock()
	defer m.step.Unlock()
	m.observers = append(m.observers, o)
}

// Start subscribes to discovery and transport notifications and handles them
// until Stop.
//
// Postcondition: subscriptions are active when Start returns.
func (m *Manager) Start(ctx context.Context) error {
	m.step.Lock()
	defer m.step.Unlock()
	if m.cancel != nil {
		return errors.New("session manager already started")
	}

	n := m.discovery.Notifications()
	created := n.Created.Subscribe(notify.DefaultBuffer)
	joinReq := n.JoinRequested.Subscribe(notify.DefaultBuffer)
	entered := n.Entered.Subscribe(notify.DefaultBuffer)
	events := m.transport.Events().Subscribe(notify.DefaultBuffer)
	m.subs = func() {
		n.Created.Unsubscribe(created)
		n.JoinRequested.Unsubscribe(joinReq)
		n.Entered.Unsubscribe(entered)
		m.transport.Events().Unsubscribe(events)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.runCtx, m.cancel, m.done = loopCtx, cancel, done

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case r, ok := <-created.C():
				if !ok {
					return
				}
				m.handleCreated(r)
			case r, ok := <-joinReq.C():
				if !ok {
					return
				}
				m.handleJoinRequest(r)
			case r, ok := <-entered.C():
				if !ok {
					return
				}
				m.handleEntered(r)
			case ev, ok := <-events.C():
				if !ok {
					return
				}
				m.handleConnEvent(ev)
			}
		}
	}()
	return nil
}

// Stop ends notification handling and unsubscribes. It does not leave the
// current session; call LeaveSession first for a clean exit.
func (m *Manager) Stop() {
	m.step.Lock()
	cancel, done, subs := m.cancel, m.done, m.subs
	m.cancel, m.done, m.subs = nil, nil, nil
	m.runCtx = context.Background()
	m.step.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	subs()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session and whether one is established.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.InSession() {
		return Session{}, false
	}
	return m.session.Clone(), true
}

// Watch subscribes to state changes. Release the subscription with Unwatch.
func (m *Manager) Watch(buffer int) *notify.Subscription[StateChange] {
	return m.changes.Subscribe(buffer)
}

// Unwatch releases a subscription returned by Watch.
func (m *Manager) Unwatch(sub *notify.Subscription[StateChange]) {
	m.changes.Unsubscribe(sub)
}

// AwaitState blocks until the state machine is in one of want.
//
// Postcondition: Returns the transition that reached a wanted state (From and
// To are equal when it already was), or ctx.Err().
func (m *Manager) AwaitState(ctx context.Context, want ...State) (StateChange, error) {
	sub := m.changes.Subscribe(notify.DefaultBuffer)
	defer m.changes.Unsubscribe(sub)

	m.mu.Lock()
	cur, sess := m.state, m.session.Clone()
	m.mu.Unlock()
	if slices.Contains(want, cur) {
		return StateChange{From: cur, To: cur, Session: sess}, nil
	}
	for {
		select {
		case ch, ok := <-sub.C():
			if !ok {
				return StateChange{}, errors.New("state change topic closed")
			}
			if slices.Contains(want, ch.To) {
				return ch, nil
			}
		case <-ctx.Done():
			return StateChange{}, ctx.Err()
		}
	}
}

// AwaitHostStarted blocks until this participant is hosting and the transport
// reports the host fully started, including the local guest loop.
func (m *Manager) AwaitHostStarted(ctx context.Context) error {
	if _, err := m.AwaitState(ctx, StateHosting); err != nil {
		return err
	}
	select {
	case <-m.transport.HostStarted():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession asks the discovery service for a new hosted session.
//
// Precondition: the state must be Idle; capacity must be >= 1.
// Postcondition: On nil the state is Creating and the outcome is published as
// a StateChange to Hosting, or back to Idle with ErrSessionCreateFailed.
func (m *Manager) CreateSession(ctx context.Context, visibility Visibility, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	m.step.Lock()
	defer m.step.Unlock()

	if s := m.State(); s != StateIdle {
		return fmt.Errorf("%w: cannot create a session while %s", ErrInvalidState, s)
	}
	m.requests++
	req := m.requests
	if err := m.discovery.CreateSession(ctx, req, visibility, capacity); err != nil {
		m.logger.Error("create session rejected", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSessionCreateFailed, err)
	}
	m.create = createRequest{request: req, visibility: visibility, capacity: capacity}
	m.armTimeoutLocked(StateCreating)
	m.transitionLocked(StateCreating, Session{}, nil)
	return nil
}

// JoinSession asks the discovery service to enter session id.
//
// Precondition: the state must be Idle; id must be non-empty.
// Postcondition: On nil the state is Joining and the outcome is published as
// a StateChange to Guesting, or back to Idle with ErrExternalCallFailed.
func (m *Manager) JoinSession(ctx context.Context, id SessionID) error {
	m.step.Lock()
	defer m.step.Unlock()
	return m.joinLocked(ctx, id)
}

func (m *Manager) joinLocked(ctx context.Context, id SessionID) error {
	if id == "" {
		return ErrInvalidSessionID
	}
	if s := m.State(); s != StateIdle {
		return fmt.Errorf("%w: cannot join a session while %s", ErrInvalidState, s)
	}
	if err := m.discovery.JoinSession(ctx, id); err != nil {
		m.logger.Error("join session rejected", zap.String("session_id", string(id)), zap.Error(err))
		return fmt.Errorf("%w: join %s: %w", ErrExternalCallFailed, id, err)
	}
	delete(m.abandoned, id)
	m.joiningID = id
	m.armTimeoutLocked(StateJoining)
	m.transitionLocked(StateJoining, Session{ID: id, Role: RoleGuest}, nil)
	return nil
}

// LeaveSession leaves the current or pending session from any state and
// returns to Idle in one step. Leaving while Idle is a no-op.
//
// Postcondition: the state is Idle and the transport is disconnected. A
// non-nil error reports that the discovery service rejected the leave.
func (m *Manager) LeaveSession(ctx context.Context) error {
	m.step.Lock()
	defer m.step.Unlock()
	return m.leaveLocked(ctx, nil)
}

func (m *Manager) leaveLocked(ctx context.Context, cause error) error {
	cur := m.State()
	if cur == StateIdle {
		return nil
	}
	m.mu.Lock()
	id := m.session.ID
	m.mu.Unlock()
	if id == "" {
		id = m.joiningID
	}
	m.stopTimeoutLocked()
	if cur == StateJoining && m.joiningID != "" {
		// The join may still land after this leave; handleEntered leaves it again.
		m.abandoned[m.joiningID] = struct{}{}
	}

	var err error
	if id != "" {
		if lerr := m.discovery.LeaveSession(ctx, id); lerr != nil {
			m.logger.Warn("leave session rejected", zap.String("session_id", string(id)), zap.Error(lerr))
			err = fmt.Errorf("%w: leave %s: %w", ErrExternalCallFailed, id, lerr)
		}
	}
	m.transport.Disconnect()

	m.joiningID = ""
	m.hostAddr = ""
	m.selfEnter = false
	m.stashed = nil
	m.create = createRequest{}
	m.transitionLocked(StateIdle, Session{}, cause)
	return err
}

// SetVisibility changes the session visibility. Host only.
func (m *Manager) SetVisibility(ctx context.Context, visibility Visibility) error {
	m.step.Lock()
	defer m.step.Unlock()
	id, err := m.requireHostLocked("set visibility")
	if err != nil {
		return err
	}
	if err := m.discovery.SetVisibility(ctx, id, visibility); err != nil {
		m.logger.Error("failed to set session visibility", zap.String("session_id", string(id)), zap.Error(err))
		return fmt.Errorf("%w: set visibility: %w", ErrExternalCallFailed, err)
	}
	m.mu.Lock()
	m.session.Visibility = visibility
	m.mu.Unlock()
	return nil
}

// SetCapacity changes the session member limit. Host only.
//
// Precondition: capacity must be >= 1.
func (m *Manager) SetCapacity(ctx context.Context, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	m.step.Lock()
	defer m.step.Unlock()
	id, err := m.requireHostLocked("set capacity")
	if err != nil {
		return err
	}
	if err := m.discovery.SetCapacity(ctx, id, capacity); err != nil {
		m.logger.Error("failed to set session capacity", zap.String("session_id", string(id)), zap.Error(err))
		return fmt.Errorf("%w: set capacity: %w", ErrExternalCallFailed, err)
	}
	m.mu.Lock()
	m.session.Capacity = capacity
	m.mu.Unlock()
	return nil
}

// SetMetadata writes one metadata entry. Host only.
func (m *Manager) SetMetadata(ctx context.Context, key, value string) error {
	m.step.Lock()
	defer m.step.Unlock()
	id, err := m.requireHostLocked("set metadata")
	if err != nil {
		return err
	}
	return m.writeMetadataLocked(ctx, id, key, value)
}

func (m *Manager) writeMetadataLocked(ctx context.Context, id SessionID, key, value string) error {
	if err := m.discovery.SetMetadata(ctx, id, key, value); err != nil {
		m.logger.Error("failed to set session metadata",
			zap.String("session_id", string(id)),
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("%w: set metadata %q: %w", ErrExternalCallFailed, key, err)
	}
	m.mu.Lock()
	if m.session.Metadata == nil {
		m.session.Metadata = make(map[string]string)
	}
	m.session.Metadata[key] = value
	m.mu.Unlock()
	return nil
}

// Metadata reads one metadata entry. The host answers from its authoritative
// copy; a guest re-reads from discovery and refreshes its cache.
//
// Postcondition: Returns ErrInvalidState when not in a session.
func (m *Manager) Metadata(ctx context.Context, key string) (string, error) {
	m.step.Lock()
	defer m.step.Unlock()

	m.mu.Lock()
	state, id, local := m.state, m.session.ID, m.session.Metadata[key]
	m.mu.Unlock()
	switch state {
	case StateHosting:
		return local, nil
	case StateGuesting:
		v, err := m.discovery.GetMetadata(ctx, id, key)
		if err != nil {
			return local, fmt.Errorf("%w: get metadata %q: %w", ErrExternalCallFailed, key, err)
		}
		m.mu.Lock()
		m.session.Metadata[key] = v
		m.mu.Unlock()
		return v, nil
	default:
		return "", fmt.Errorf("%w: not in a session", ErrInvalidState)
	}
}

func (m *Manager) requireHostLocked(op string) (SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHosting || m.session.Role != RoleHost {
		m.logger.Warn("rejected session mutation from non-host",
			zap.String("op", op),
			zap.Stringer("state", m.state),
		)
		return "", fmt.Errorf("%w: %s", ErrAuthorityViolation, op)
	}
	return m.session.ID, nil
}

func (m *Manager) handleCreated(r CreateResult) {
	m.step.Lock()
	defer m.step.Unlock()
	ctx, cancel := m.callCtx()
	defer cancel()

	if m.State() != StateCreating || (r.Request != 0 && r.Request != m.create.request) {
		m.mu.Lock()
		current := m.session.ID
		m.mu.Unlock()
		if r.Err == nil && r.ID != "" && r.ID != current {
			m.logger.Info("leaving orphaned session from an abandoned create", zap.String("session_id", string(r.ID)))
			if err := m.discovery.LeaveSession(ctx, r.ID); err != nil {
				m.logger.Warn("leave orphaned session failed", zap.String("session_id", string(r.ID)), zap.Error(err))
			}
			return
		}
		m.logger.Debug("dropping create result", zap.String("session_id", string(r.ID)), zap.Error(ErrStaleNotification))
		return
	}
	m.stopTimeoutLocked()

	if r.Err != nil {
		m.logger.Error("session create failed", zap.Error(r.Err))
		m.rollbackLocked(ctx, "", fmt.Errorf("%w: %w", ErrSessionCreateFailed, r.Err))
		return
	}

	m.mu.Lock()
	m.session = Session{
		ID:         r.ID,
		Role:       RoleHost,
		Metadata:   make(map[string]string),
		Capacity:   m.create.capacity,
		Visibility: m.create.visibility,
	}
	m.mu.Unlock()

	addr, err := m.transport.ConnectAsHost(ctx)
	if err != nil {
		m.logger.Error("failed to start host transport", zap.String("session_id", string(r.ID)), zap.Error(err))
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: start host: %w", ErrSessionCreateFailed, err))
		return
	}
	m.hostAddr = addr
	if err := m.writeMetadataLocked(ctx, r.ID, MetaHostAddress, addr); err != nil {
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: %w", ErrSessionCreateFailed, err))
		return
	}
	if err := m.writeMetadataLocked(ctx, r.ID, MetaName, LobbyName(m.discovery.LocalUser().DisplayName)); err != nil {
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: %w", ErrSessionCreateFailed, err))
		return
	}

	m.mu.Lock()
	sess := m.session.Clone()
	m.mu.Unlock()
	m.transitionLocked(StateHosting, sess, nil)

	if st := m.stashed; st != nil {
		m.stashed = nil
		if st.ID == r.ID {
			m.hostSelfEnterLocked(ctx, *st)
		}
	}
}

func (m *Manager) handleJoinRequest(r JoinRequest) {
	m.step.Lock()
	defer m.step.Unlock()
	if s := m.State(); s != StateIdle {
		m.logger.Info("ignoring join request while in a session",
			zap.String("session_id", string(r.ID)),
			zap.Stringer("state", s),
		)
		return
	}
	ctx, cancel := m.callCtx()
	defer cancel()
	if err := m.joinLocked(ctx, r.ID); err != nil {
		m.logger.Error("join from request failed", zap.String("session_id", string(r.ID)), zap.Error(err))
	}
}

func (m *Manager) handleEntered(r EnterResult) {
	m.step.Lock()
	defer m.step.Unlock()
	ctx, cancel := m.callCtx()
	defer cancel()

	m.mu.Lock()
	state, current := m.state, m.session.ID
	m.mu.Unlock()

	if _, ok := m.abandoned[r.ID]; ok && r.ID != current {
		delete(m.abandoned, r.ID)
		if r.Err == nil {
			m.logger.Info("leaving session entered after its join was abandoned", zap.String("session_id", string(r.ID)))
			if err := m.discovery.LeaveSession(ctx, r.ID); err != nil {
				m.logger.Warn("leave abandoned session failed", zap.String("session_id", string(r.ID)), zap.Error(err))
			}
		}
		return
	}

	switch state {
	case StateCreating:
		// The host's own enter can overtake its create result.
		m.logger.Debug("stashing enter result until create completes", zap.String("session_id", string(r.ID)))
		m.stashed = &r
	case StateHosting:
		if r.ID != current {
			m.logger.Debug("dropping enter result", zap.String("session_id", string(r.ID)), zap.Error(ErrStaleNotification))
			return
		}
		m.hostSelfEnterLocked(ctx, r)
	case StateJoining:
		if r.ID != m.joiningID {
			m.logger.Debug("dropping enter result", zap.String("session_id", string(r.ID)), zap.Error(ErrStaleNotification))
			return
		}
		m.guestEnterLocked(ctx, r)
	default:
		m.logger.Debug("dropping enter result",
			zap.String("session_id", string(r.ID)),
			zap.Stringer("state", state),
			zap.Error(ErrStaleNotification),
		)
	}
}

// hostSelfEnterLocked attaches the host's local guest loop on the first
// self-enter and ignores repeats.
func (m *Manager) hostSelfEnterLocked(ctx context.Context, r EnterResult) {
	if m.selfEnter {
		m.logger.Debug("ignoring repeated self enter", zap.String("session_id", string(r.ID)))
		return
	}
	if r.Err != nil {
		m.logger.Warn("host self enter failed", zap.String("session_id", string(r.ID)), zap.Error(r.Err))
		return
	}
	m.selfEnter = true
	if err := m.transport.ConnectAsGuest(ctx, m.hostAddr); err != nil {
		m.logger.Error("failed to attach local guest loop", zap.String("session_id", string(r.ID)), zap.Error(err))
		return
	}
	m.logger.Info("local guest loop attached", zap.String("session_id", string(r.ID)))
}

func (m *Manager) guestEnterLocked(ctx context.Context, r EnterResult) {
	m.stopTimeoutLocked()
	if r.Err != nil {
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: enter %s: %w", ErrExternalCallFailed, r.ID, r.Err))
		return
	}
	addr, err := m.discovery.GetMetadata(ctx, r.ID, MetaHostAddress)
	if err != nil || addr == "" {
		if err == nil {
			err = errors.New("host address not set")
		}
		m.logger.Error("failed to read host address", zap.String("session_id", string(r.ID)), zap.Error(err))
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: read host address: %w", ErrExternalCallFailed, err))
		return
	}
	if err := m.transport.ConnectAsGuest(ctx, addr); err != nil {
		m.logger.Error("failed to connect to host",
			zap.String("session_id", string(r.ID)),
			zap.String("address", addr),
			zap.Error(err),
		)
		m.rollbackLocked(ctx, r.ID, fmt.Errorf("%w: connect to %s: %w", ErrExternalCallFailed, addr, err))
		return
	}

	meta := map[string]string{MetaHostAddress: addr}
	if name, err := m.discovery.GetMetadata(ctx, r.ID, MetaName); err == nil {
		meta[MetaName] = name
	}
	sess := Session{ID: r.ID, Role: RoleGuest, Metadata: meta}
	m.mu.Lock()
	m.session = sess.Clone()
	m.mu.Unlock()
	m.transitionLocked(StateGuesting, sess, nil)
}

func (m *Manager) handleConnEvent(ev ConnEvent) {
	if ev.Kind != ConnHostLost {
		return
	}
	m.step.Lock()
	defer m.step.Unlock()
	if m.State() != StateGuesting {
		return
	}
	m.logger.Warn("lost connection to host; leaving session")
	ctx, cancel := m.callCtx()
	defer cancel()
	_ = m.leaveLocked(ctx, ErrHostLost)
}

// rollbackLocked returns a Creating or Joining state machine to Idle, leaving
// id if a session was already entered or created.
func (m *Manager) rollbackLocked(ctx context.Context, id SessionID, cause error) {
	if id != "" {
		if err := m.discovery.LeaveSession(ctx, id); err != nil {
			m.logger.Warn("leave during rollback failed", zap.String("session_id", string(id)), zap.Error(err))
		}
	}
	m.transport.Disconnect()
	m.joiningID = ""
	m.hostAddr = ""
	m.selfEnter = false
	m.stashed = nil
	m.create = createRequest{}
	m.transitionLocked(StateIdle, Session{}, cause)
}

// armTimeoutLocked bounds the wait for the notification that ends pending.
func (m *Manager) armTimeoutLocked(pending State) {
	m.stopTimeoutLocked()
	m.attempt++
	if m.callTimeout <= 0 {
		return
	}
	attempt := m.attempt
	m.timer = time.AfterFunc(m.callTimeout, func() {
		m.step.Lock()
		defer m.step.Unlock()
		if m.attempt != attempt || m.State() != pending {
			return
		}
		m.logger.Warn("discovery notification timed out",
			zap.Stringer("state", pending),
			zap.Duration("timeout", m.callTimeout),
		)
		ctx, cancel := m.callCtx()
		defer cancel()
		_ = m.leaveLocked(ctx, ErrDiscoveryTimeout)
	})
}

func (m *Manager) stopTimeoutLocked() {
	m.attempt++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) callCtx() (context.Context, context.CancelFunc) {
	if m.callTimeout > 0 {
		return context.WithTimeout(m.runCtx, m.callTimeout)
	}
	return context.WithCancel(m.runCtx)
}

// transitionLocked moves to state to, updates the session snapshot, notifies
// observers and publishes the change.
func (m *Manager) transitionLocked(to State, sess Session, cause error) {
	m.mu.Lock()
	from := m.state
	prevID := m.session.ID
	m.state = to
	m.session = sess.Clone()
	m.mu.Unlock()

	fields := []zap.Field{
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("session_id", string(sess.ID)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.logger.Info("session state changed", fields...)

	if from.InSession() && !to.InSession() {
		for _, o := range m.observers {
			o.SessionEnded(prevID)
		}
	}
	if to.InSession() && !from.InSession() {
		for _, o := range m.observers {
			o.SessionStarted(sess.Clone())
		}
	}
	if err := m.changes.Publish(StateChange{From: from, To: to, Session: sess.Clone(), Err: cause}); err != nil {
		m.logger.Debug("state change not delivered to every watcher", zap.Error(err))
	}
}
