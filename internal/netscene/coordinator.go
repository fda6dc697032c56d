package netscene

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

// fanoutLimit bounds concurrent sends during fan-out.
const fanoutLimit = 16

// OpState is the state of one scene change.
type OpState int

const (
	OpArmed OpState = iota
	OpFanningOut
	OpAggregating
	OpComplete
	OpPartialFailure
	OpCancelled
)

func (s OpState) String() string {
	switch s {
	case OpArmed:
		return "armed"
	case OpFanningOut:
		return "fanning_out"
	case OpAggregating:
		return "aggregating"
	case OpComplete:
		return "complete"
	case OpPartialFailure:
		return "partial_failure"
	case OpCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s OpState) Terminal() bool {
	return s == OpComplete || s == OpPartialFailure || s == OpCancelled
}

// Request is a scene change issued by the host. A nil Scope targets every
// connection connected at issue time.
type Request struct {
	Scene string
	Close []string
	Scope []lobby.ConnID
}

// Result is the terminal outcome of a scene change. Excluded peers
// disconnected mid-operation and do not affect the outcome.
type Result struct {
	Outcome   OpState
	Completed []lobby.ConnID
	Failed    []lobby.ConnID
	Excluded  []lobby.ConnID
	Errors    map[lobby.ConnID]string
}

type peerState struct {
	progress float64
	done     bool
	failed   bool
	excluded bool
}

// Operation is one host-issued scene change.
type Operation struct {
	info    OpInfo
	close   []string
	peers   map[lobby.ConnID]*peerState
	errs    map[lobby.ConnID]string
	percent float64
	timer   *opTimer
	done    chan struct{}

	// state and result are guarded by the owning Coordinator's mutex.
	state  OpState
	result Result
	mu     *sync.Mutex
}

// ID returns the operation id carried by every command and report.
func (o *Operation) ID() string { return o.info.ID }

// Scene returns the scene being loaded.
func (o *Operation) Scene() string { return o.info.Scene }

// Scope returns the connections captured at issue time.
func (o *Operation) Scope() []lobby.ConnID { return slices.Clone(o.info.Scope) }

// Done is closed when the operation reaches a terminal state.
func (o *Operation) Done() <-chan struct{} { return o.done }

// State returns the current state.
func (o *Operation) State() OpState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wait blocks until the operation ends or ctx is done.
//
// Postcondition: Returns the Result, or ctx.Err() if ctx ended first.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Coordinator is the host-side Distributed Scene Coordinator. It is armed
// while this participant hosts a session.
// All methods are safe for concurrent use.
type Coordinator struct {
	network     Network
	engine      *scene.Engine
	events      LoadEvents
	logger      *zap.Logger
	loadTimeout time.Duration

	mu      sync.Mutex
	session lobby.SessionID
	armed   bool
	ops     map[string]*Operation
	byScene map[string]*Operation

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates an unarmed Coordinator.
//
// Precondition: network, engine and logger must be non-nil. A nil events
// sink is replaced by NopLoadEvents; loadTimeout <= 0 disables the timeout.
func NewCoordinator(network Network, engine *scene.Engine, events LoadEvents, loadTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if events == nil {
		events = NopLoadEvents{}
	}
	return &Coordinator{
		network:     network,
		engine:      engine,
		events:      events,
		logger:      logger,
		loadTimeout: loadTimeout,
		ops:         make(map[string]*Operation),
		byScene:     make(map[string]*Operation),
	}
}

// Start subscribes to peer reports and connection events and processes them
// until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("coordinator already started")
	}
	inbound := c.network.Inbound().Subscribe(notify.DefaultBuffer)
	events := c.network.Events().Subscribe(notify.DefaultBuffer)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	go func() {
		defer close(done)
		defer c.network.Inbound().Unsubscribe(inbound)
		defer c.network.Events().Unsubscribe(events)
		for {
			select {
			case <-loopCtx.Done():
				return
			case in, ok := <-inbound.C():
				if !ok {
					return
				}
				c.handleReport(in)
			case ev, ok := <-events.C():
				if !ok {
					return
				}
				if ev.Kind == lobby.ConnDisconnected {
					c.handleDisconnect(ev.Conn)
				}
			}
		}
	}()
	return nil
}

// Stop ends processing and unsubscribes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SessionStarted arms the coordinator when this participant hosts s.
func (c *Coordinator) SessionStarted(s lobby.Session) {
	if s.Role != lobby.RoleHost {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s.ID
	c.armed = true
	c.logger.Info("scene coordinator armed", zap.String("session_id", string(s.ID)))
}

// SessionEnded disarms the coordinator and cancels every active operation.
func (c *Coordinator) SessionEnded(id lobby.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed || id != c.session {
		return
	}
	for _, op := range c.ops {
		c.finishLocked(op, OpCancelled)
	}
	c.armed = false
	c.session = ""
	c.logger.Info("scene coordinator disarmed", zap.String("session_id", string(id)))
}

// Armed reports whether a hosted session is active.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// IssueSceneChange closes req.Close on the host, then tells every peer in
// scope to close req.Close and load req.Scene.
//
// Precondition: the coordinator must be armed; req.Scene must be non-empty.
// Postcondition: Returns the operation, an existing one if req.Scene is
// already being changed to, or ErrNotArmed.
func (c *Coordinator) IssueSceneChange(ctx context.Context, req Request) (*Operation, error) {
	if req.Scene == "" {
		return nil, scene.ErrInvalidSceneName
	}
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return nil, ErrNotArmed
	}
	if op, ok := c.byScene[req.Scene]; ok {
		c.mu.Unlock()
		c.logger.Debug("scene change already in flight", zap.String("scene", req.Scene), zap.String("op_id", op.ID()))
		return op, nil
	}

	for _, name := range req.Close {
		_ = c.engine.Close(name)
	}

	scope := req.Scope
	if scope == nil {
		scope = c.network.ConnectionSet()
	}
	op := &Operation{
		info: OpInfo{
			ID:      uuid.NewString(),
			Scene:   req.Scene,
			Session: c.session,
			Scope:   slices.Clone(scope),
		},
		close: slices.Clone(req.Close),
		peers: make(map[lobby.ConnID]*peerState, len(scope)),
		errs:  make(map[lobby.ConnID]string),
		done:  make(chan struct{}),
		mu:    &c.mu,
	}
	for _, conn := range scope {
		op.peers[conn] = &peerState{}
	}
	c.ops[op.ID()] = op
	c.byScene[op.Scene()] = op

	c.logger.Info("issuing scene change",
		zap.String("op_id", op.ID()),
		zap.String("scene", op.Scene()),
		zap.Strings("close", req.Close),
		zap.Int("peers", len(scope)),
	)
	c.events.OnLoadStart(op.info)

	if len(op.peers) == 0 {
		op.state = OpAggregating
		c.checkCompleteLocked(op)
		c.mu.Unlock()
		return op, nil
	}
	op.state = OpFanningOut
	if c.loadTimeout > 0 {
		op.timer = startOpTimer(c.loadTimeout, func() { c.expire(op) })
	}
	c.mu.Unlock()

	c.fanOut(ctx, op)

	c.mu.Lock()
	if op.state == OpFanningOut {
		op.state = OpAggregating
		c.checkCompleteLocked(op)
	}
	c.mu.Unlock()
	return op, nil
}

// fanOut sends the close commands and then the load command to every peer
// in scope. A peer whose send fails is excluded.
func (c *Coordinator) fanOut(ctx context.Context, op *Operation) {
	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for _, conn := range op.info.Scope {
		g.Go(func() error {
			if err := c.sendAll(ctx, op, conn); err != nil {
				c.logger.Warn("excluding peer after failed send",
					zap.String("op_id", op.ID()),
					zap.String("conn", string(conn)),
					zap.Error(err),
				)
				c.mu.Lock()
				c.excludeLocked(op, conn)
				c.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) sendAll(ctx context.Context, op *Operation, conn lobby.ConnID) error {
	base := Command{SessionID: op.info.Session, OpID: op.ID()}
	for _, name := range op.close {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := base
		cmd.Kind, cmd.Scene = CommandClose, name
		if err := c.network.Send(conn, cmd); err != nil {
			return fmt.Errorf("send close %q: %w", name, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := base
	cmd.Kind, cmd.Scene = CommandLoad, op.Scene()
	if err := c.network.Send(conn, cmd); err != nil {
		return fmt.Errorf("send load %q: %w", op.Scene(), err)
	}
	return nil
}

func (c *Coordinator) handleReport(in Inbound) {
	r := in.Report
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.armed || r.SessionID != c.session {
		c.logger.Debug("dropping report",
			zap.String("conn", string(in.Conn)),
			zap.String("session_id", string(r.SessionID)),
			zap.Error(lobby.ErrStaleNotification),
		)
		return
	}
	if r.Kind == ReportCloseRequest {
		c.closeEverywhereLocked(in.Conn, r.Scene)
		return
	}
	op, ok := c.ops[r.OpID]
	if !ok || op.state.Terminal() {
		c.logger.Debug("dropping report for unknown operation",
			zap.String("op_id", r.OpID),
			zap.Error(lobby.ErrStaleNotification),
		)
		return
	}
	p, ok := op.peers[in.Conn]
	if !ok || p.done || p.excluded {
		return
	}

	switch r.Kind {
	case ReportProgress:
		if v := min(max(r.Progress, 0), 1); v > p.progress {
			p.progress = v
		}
	case ReportLoaded:
		p.progress = 1
		p.done = true
	case ReportFailed:
		p.failed = true
		p.done = true
		op.errs[in.Conn] = r.Error
		c.logger.Warn("peer failed to load scene",
			zap.String("op_id", op.ID()),
			zap.String("conn", string(in.Conn)),
			zap.String("scene", op.Scene()),
			zap.String("error", r.Error),
		)
	default:
		return
	}
	c.emitProgressLocked(op)
	c.checkCompleteLocked(op)
}

// closeEverywhereLocked closes scene on the host and on every connected peer
// on behalf of a peer's close request.
func (c *Coordinator) closeEverywhereLocked(from lobby.ConnID, name string) {
	c.logger.Info("closing scene on request",
		zap.String("conn", string(from)),
		zap.String("scene", name),
	)
	_ = c.engine.Close(name)
	cmd := Command{SessionID: c.session, Kind: CommandClose, Scene: name}
	for _, conn := range c.network.ConnectionSet() {
		if err := c.network.Send(conn, cmd); err != nil {
			c.logger.Warn("failed to send close", zap.String("conn", string(conn)), zap.Error(err))
		}
	}
}

func (c *Coordinator) handleDisconnect(conn lobby.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range c.ops {
		c.excludeLocked(op, conn)
	}
}

func (c *Coordinator) excludeLocked(op *Operation, conn lobby.ConnID) {
	p, ok := op.peers[conn]
	if !ok || p.done || p.excluded || op.state.Terminal() {
		return
	}
	p.excluded = true
	c.logger.Info("peer excluded from scene change",
		zap.String("op_id", op.ID()),
		zap.String("conn", string(conn)),
		zap.Error(lobby.ErrPeerDisconnected),
	)
	c.emitProgressLocked(op)
	c.checkCompleteLocked(op)
}

func (c *Coordinator) expire(op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op.state.Terminal() {
		return
	}
	for conn, p := range op.peers {
		if p.done || p.excluded {
			continue
		}
		p.failed = true
		p.done = true
		op.errs[conn] = ErrLoadTimeout.Error()
	}
	c.logger.Warn("scene change timed out", zap.String("op_id", op.ID()), zap.String("scene", op.Scene()))
	c.checkCompleteLocked(op)
}

// emitProgressLocked reports the minimum progress over responsive peers
// when it has increased.
func (c *Coordinator) emitProgressLocked(op *Operation) {
	lowest, responsive := 1.0, false
	for _, p := range op.peers {
		if p.excluded || p.failed {
			continue
		}
		responsive = true
		lowest = min(lowest, p.progress)
	}
	if !responsive || lowest <= op.percent {
		return
	}
	op.percent = lowest
	c.events.OnLoadPercentChange(op.info, lowest)
}

// checkCompleteLocked finishes op once fan-out is over and every peer in
// scope is done or excluded.
func (c *Coordinator) checkCompleteLocked(op *Operation) {
	if op.state != OpAggregating {
		return
	}
	failed := false
	for _, p := range op.peers {
		if !p.done && !p.excluded {
			return
		}
		failed = failed || p.failed
	}
	if failed {
		c.finishLocked(op, OpPartialFailure)
		return
	}
	c.finishLocked(op, OpComplete)
}

func (c *Coordinator) finishLocked(op *Operation, outcome OpState) {
	if op.state.Terminal() {
		return
	}
	op.timer.Stop()
	res := Result{Outcome: outcome, Errors: make(map[lobby.ConnID]string)}
	for _, conn := range op.info.Scope {
		p := op.peers[conn]
		switch {
		case p.excluded:
			res.Excluded = append(res.Excluded, conn)
		case p.failed:
			res.Failed = append(res.Failed, conn)
			res.Errors[conn] = op.errs[conn]
		case p.done:
			res.Completed = append(res.Completed, conn)
		}
	}
	op.state = outcome
	op.result = res
	delete(c.ops, op.ID())
	if c.byScene[op.Scene()] == op {
		delete(c.byScene, op.Scene())
	}
	c.logger.Info("scene change finished",
		zap.String("op_id", op.ID()),
		zap.String("scene", op.Scene()),
		zap.Stringer("outcome", outcome),
		zap.Int("completed", len(res.Completed)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("excluded", len(res.Excluded)),
	)
	c.events.OnLoadEnd(op.info, res)
	close(op.done)
}
