// Package app assembles one participant: the scene engine, the lobby state
// machine and directory, the scene coordinator and receiver, the discovery
// service and the peer transport, wired in a fixed construction order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/scene"
	"github.com/cory-johannsen/lobbysync/internal/transport/grpclink"
)

// LobbyRow is one rendered line of the lobby list.
type LobbyRow struct {
	ID       lobby.SessionID
	Name     string
	Capacity string
}

// Participant owns every service of one host or guest.
type Participant struct {
	cfg    config.Config
	logger *zap.Logger

	Engine      *scene.Engine
	Discovery   *discovery.Service
	Link        *grpclink.Link
	Directory   *lobby.Directory
	Sessions    *lobby.Manager
	Coordinator *netscene.Coordinator
	Receiver    *netscene.Receiver

	started []stopper
}

type stopper interface{ Stop() }

// NewParticipant registers the coordinator and receiver as session observers
// and returns the assembled participant. Nothing runs until Start.
//
// Precondition: every component must be non-nil and built over the same link.
func NewParticipant(
	cfg config.Config,
	engine *scene.Engine,
	disc *discovery.Service,
	link *grpclink.Link,
	dir *lobby.Directory,
	sessions *lobby.Manager,
	coord *netscene.Coordinator,
	recv *netscene.Receiver,
	logger *zap.Logger,
) *Participant {
	sessions.AddObserver(coord)
	sessions.AddObserver(recv)
	return &Participant{
		cfg:         cfg,
		logger:      logger,
		Engine:      engine,
		Discovery:   disc,
		Link:        link,
		Directory:   dir,
		Sessions:    sessions,
		Coordinator: coord,
		Receiver:    recv,
	}
}

// Start subscribes every component to its notifications, in dependency order.
//
// Postcondition: On error the components already started are stopped again.
func (p *Participant) Start(ctx context.Context) error {
	components := []struct {
		name string
		svc  interface {
			Start(context.Context) error
			Stop()
		}
	}{
		{"receiver", p.Receiver},
		{"coordinator", p.Coordinator},
		{"directory", p.Directory},
		{"sessions", p.Sessions},
	}
	for _, c := range components {
		if err := c.svc.Start(ctx); err != nil {
			p.Stop()
			return fmt.Errorf("starting %s: %w", c.name, err)
		}
		p.started = append(p.started, c.svc)
	}
	p.logger.Info("participant started", zap.String("user_id", p.Discovery.LocalUser().ID))
	return nil
}

// Stop stops the started components in reverse order. It does not leave the
// current session; call Leave first for a clean exit.
func (p *Participant) Stop() {
	for i := len(p.started) - 1; i >= 0; i-- {
		p.started[i].Stop()
	}
	p.started = nil
}

// Bootstrap loads the main menu scene. It runs once the participant's
// services are constructed and started.
func (p *Participant) Bootstrap(ctx context.Context) error {
	op, err := p.Engine.Load(ctx, p.cfg.Scenes.MainMenu, nil)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// Host creates a session with the configured defaults and waits until it is
// fully hosted, including the local guest loop.
//
// Postcondition: Returns the hosted session, or the create failure.
func (p *Participant) Host(ctx context.Context) (lobby.Session, error) {
	vis, err := lobby.ParseVisibility(p.cfg.Session.DefaultVisibility)
	if err != nil {
		return lobby.Session{}, err
	}
	return p.HostWith(ctx, vis, p.cfg.Session.DefaultCapacity)
}

// HostWith creates a session with the given settings and waits until it is
// fully hosted.
func (p *Participant) HostWith(ctx context.Context, visibility lobby.Visibility, capacity int) (lobby.Session, error) {
	watch := p.Sessions.Watch(notify.DefaultBuffer)
	defer p.Sessions.Unwatch(watch)

	if err := p.Sessions.CreateSession(ctx, visibility, capacity); err != nil {
		return lobby.Session{}, err
	}
	sess, err := awaitOutcome(ctx, watch, lobby.StateHosting)
	if err != nil {
		return lobby.Session{}, err
	}
	if err := p.Sessions.AwaitHostStarted(ctx); err != nil {
		return lobby.Session{}, fmt.Errorf("waiting for host start: %w", err)
	}
	return sess, nil
}

// Join enters session id as a guest and waits for the host connection.
//
// Postcondition: Returns the joined session, or the join failure.
func (p *Participant) Join(ctx context.Context, id lobby.SessionID) (lobby.Session, error) {
	watch := p.Sessions.Watch(notify.DefaultBuffer)
	defer p.Sessions.Unwatch(watch)

	if err := p.Sessions.JoinSession(ctx, id); err != nil {
		return lobby.Session{}, err
	}
	return awaitOutcome(ctx, watch, lobby.StateGuesting)
}

// Leave leaves the current session, if any.
func (p *Participant) Leave(ctx context.Context) error {
	return p.Sessions.LeaveSession(ctx)
}

// awaitOutcome waits for the transition to want, or for the rollback to Idle.
func awaitOutcome(ctx context.Context, watch *notify.Subscription[lobby.StateChange], want lobby.State) (lobby.Session, error) {
	for {
		select {
		case ch, ok := <-watch.C():
			if !ok {
				return lobby.Session{}, errors.New("session state topic closed")
			}
			switch ch.To {
			case want:
				return ch.Session, nil
			case lobby.StateIdle:
				if ch.Err == nil {
					return lobby.Session{}, fmt.Errorf("%w: session left before it was %s", lobby.ErrInvalidState, want)
				}
				return lobby.Session{}, ch.Err
			}
		case <-ctx.Done():
			return lobby.Session{}, ctx.Err()
		}
	}
}

// StartGame loads the game scene and closes the main menu. Offline, only the
// local engine loads it; online, the host loads it on every participant and
// waits for all of them.
//
// Postcondition: Returns nil once the game scene is loaded everywhere it was
// requested. A peer failure is returned as an error wrapping
// scene.ErrSceneLoadFailed; disconnected peers are not failures.
func (p *Participant) StartGame(ctx context.Context, offline bool) error {
	closeList := []string{p.cfg.Scenes.MainMenu}
	if offline {
		op, err := p.Engine.Load(ctx, p.cfg.Scenes.Game, closeList)
		if err != nil {
			return err
		}
		return op.Wait(ctx)
	}

	if !p.Coordinator.Armed() {
		return netscene.ErrNotArmed
	}
	if err := p.Sessions.AwaitHostStarted(ctx); err != nil {
		return fmt.Errorf("waiting for host start: %w", err)
	}
	op, err := p.Coordinator.IssueSceneChange(ctx, netscene.Request{Scene: p.cfg.Scenes.Game, Close: closeList})
	if err != nil {
		return err
	}
	res, err := op.Wait(ctx)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case netscene.OpComplete:
		return nil
	case netscene.OpPartialFailure:
		failed := make([]string, 0, len(res.Failed))
		for _, c := range res.Failed {
			failed = append(failed, fmt.Sprintf("%s (%s)", c, res.Errors[c]))
		}
		return fmt.Errorf("%w: %s failed on %s", scene.ErrSceneLoadFailed, p.cfg.Scenes.Game, strings.Join(failed, ", "))
	default:
		return fmt.Errorf("%w: scene change %s ended %s", scene.ErrSceneLoadFailed, op.ID(), res.Outcome)
	}
}

// LobbyRows returns the lobby list as display rows. With refresh it queries
// the discovery service first; otherwise it renders the cached list.
func (p *Participant) LobbyRows(ctx context.Context, refresh bool) ([]LobbyRow, error) {
	summaries, err := p.Directory.RefreshAndList(ctx, refresh)
	if err != nil {
		return nil, err
	}
	rows := make([]LobbyRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, LobbyRow{ID: s.ID, Name: s.DisplayName(), Capacity: s.CapacityText()})
	}
	return rows, nil
}

// Close releases the discovery service and the transport. The participant
// must be stopped first.
func (p *Participant) Close() {
	p.Link.Close()
	p.Discovery.Close()
}
