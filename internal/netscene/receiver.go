package netscene

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

// Receiver applies host commands to the local scene engine and reports
// progress back to the host. Every participant runs one, including the host,
// whose local peer receives commands over the in-process loop.
type Receiver struct {
	upstream Upstream
	engine   *scene.Engine
	logger   *zap.Logger

	mu         sync.Mutex
	session    lobby.SessionID
	armed      bool
	sessCtx    context.Context
	sessCancel context.CancelFunc
	forwarding map[string]bool
	forwarders sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver creates an unarmed Receiver.
//
// Precondition: upstream, engine and logger must be non-nil.
func NewReceiver(upstream Upstream, engine *scene.Engine, logger *zap.Logger) *Receiver {
	return &Receiver{
		upstream:   upstream,
		engine:     engine,
		logger:     logger,
		forwarding: make(map[string]bool),
	}
}

// Start subscribes to host commands and applies them in arrival order until Stop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("receiver already started")
	}
	topic := r.upstream.Downstream()
	sub := topic.Subscribe(notify.DefaultBuffer)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		defer topic.Unsubscribe(sub)
		for {
			select {
			case <-loopCtx.Done():
				return
			case cmd, ok := <-sub.C():
				if !ok {
					return
				}
				r.handleCommand(cmd)
			}
		}
	}()
	return nil
}

// Stop ends command processing, disarms, and waits for report forwarding to end.
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.disarm("")
	r.forwarders.Wait()
}

// SessionStarted arms the receiver for s, whatever the local role.
func (r *Receiver) SessionStarted(s lobby.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessCancel != nil {
		r.sessCancel()
	}
	r.session = s.ID
	r.armed = true
	r.sessCtx, r.sessCancel = context.WithCancel(context.Background())
	r.forwarding = make(map[string]bool)
	r.logger.Debug("scene receiver armed", zap.String("session_id", string(s.ID)))
}

// SessionEnded disarms the receiver and cancels in-flight loads it started.
func (r *Receiver) SessionEnded(id lobby.SessionID) {
	r.disarm(id)
}

// disarm disarms for id, or for any session when id is empty.
func (r *Receiver) disarm(id lobby.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed || (id != "" && id != r.session) {
		return
	}
	r.armed = false
	r.session = ""
	if r.sessCancel != nil {
		r.sessCancel()
		r.sessCancel = nil
	}
}

// RequestClose asks the host to close name on every participant.
//
// Postcondition: Returns ErrNotArmed outside a session.
func (r *Receiver) RequestClose(name string) error {
	if name == "" {
		return scene.ErrInvalidSceneName
	}
	r.mu.Lock()
	armed, session := r.armed, r.session
	r.mu.Unlock()
	if !armed {
		return ErrNotArmed
	}
	return r.upstream.Report(Report{SessionID: session, Kind: ReportCloseRequest, Scene: name})
}

func (r *Receiver) handleCommand(cmd Command) {
	r.mu.Lock()
	if !r.armed || cmd.SessionID != r.session {
		r.mu.Unlock()
		r.logger.Debug("dropping scene command",
			zap.String("session_id", string(cmd.SessionID)),
			zap.Stringer("kind", cmd.Kind),
			zap.Error(lobby.ErrStaleNotification),
		)
		return
	}
	ctx := r.sessCtx
	r.mu.Unlock()

	switch cmd.Kind {
	case CommandClose:
		_ = r.engine.Close(cmd.Scene)
	case CommandLoad:
		r.load(ctx, cmd)
	default:
		r.logger.Warn("unknown scene command", zap.Int("kind", int(cmd.Kind)))
	}
}

func (r *Receiver) load(ctx context.Context, cmd Command) {
	op, err := r.engine.Load(ctx, cmd.Scene, nil, scene.Silent())
	if err != nil {
		r.send(Report{SessionID: cmd.SessionID, OpID: cmd.OpID, Kind: ReportFailed, Scene: cmd.Scene, Error: err.Error()})
		return
	}

	r.mu.Lock()
	if r.forwarding[cmd.OpID] {
		r.mu.Unlock()
		r.logger.Debug("already reporting scene load", zap.String("op_id", cmd.OpID), zap.String("scene", cmd.Scene))
		return
	}
	r.forwarding[cmd.OpID] = true
	r.forwarders.Add(1)
	r.mu.Unlock()

	ticks, release := op.Subscribe()
	go func() {
		defer r.forwarders.Done()
		defer release()
		r.forward(ctx, cmd, op, ticks)
		r.mu.Lock()
		delete(r.forwarding, cmd.OpID)
		r.mu.Unlock()
	}()
}

// forward relays progress ticks for op upstream, then its terminal report.
// It stops silently once the session ends.
func (r *Receiver) forward(ctx context.Context, cmd Command, op *scene.Operation, ticks <-chan float64) {
	base := Report{SessionID: cmd.SessionID, OpID: cmd.OpID, Scene: cmd.Scene}
	if p := op.Progress(); p > 0 {
		rep := base
		rep.Kind, rep.Progress = ReportProgress, p
		r.send(rep)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ticks:
			if ok {
				rep := base
				rep.Kind, rep.Progress = ReportProgress, p
				r.send(rep)
				continue
			}
			<-op.Done()
			if ctx.Err() != nil {
				return
			}
			rep := base
			if err := op.Err(); err != nil {
				rep.Kind, rep.Error = ReportFailed, err.Error()
			} else {
				rep.Kind, rep.Progress = ReportLoaded, 1
			}
			r.send(rep)
			return
		}
	}
}

func (r *Receiver) send(rep Report) {
	if err := r.upstream.Report(rep); err != nil {
		r.logger.Warn("failed to report scene progress",
			zap.String("op_id", rep.OpID),
			zap.Stringer("kind", rep.Kind),
			zap.Error(err),
		)
	}
}
