// Package netscene keeps scene transitions synchronized across a session.
// The host's Coordinator fans close and load commands out over its
// connection set and aggregates per-peer progress; every participant's
// Receiver applies those commands to its local scene engine.
package netscene

import (
	"errors"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
)

var (
	// ErrNotArmed is returned when no hosted session is active.
	ErrNotArmed = errors.New("scene coordinator is not armed")
	// ErrLoadTimeout marks peers that did not finish before the load timeout.
	ErrLoadTimeout = errors.New("scene load timed out")
)

// CommandKind is the kind of a host-to-peer command.
type CommandKind int

const (
	CommandClose CommandKind = iota
	CommandLoad
)

func (k CommandKind) String() string {
	switch k {
	case CommandClose:
		return "close"
	case CommandLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Command is sent by the host to one peer.
type Command struct {
	SessionID lobby.SessionID
	OpID      string
	Kind      CommandKind
	Scene     string
}

// ReportKind is the kind of a peer-to-host report.
type ReportKind int

const (
	ReportProgress ReportKind = iota
	ReportLoaded
	ReportFailed
	// ReportCloseRequest asks the host to close a scene on every peer.
	ReportCloseRequest
)

func (k ReportKind) String() string {
	switch k {
	case ReportProgress:
		return "progress"
	case ReportLoaded:
		return "loaded"
	case ReportFailed:
		return "failed"
	case ReportCloseRequest:
		return "close_request"
	default:
		return "unknown"
	}
}

// Report is sent by a peer to the host.
type Report struct {
	SessionID lobby.SessionID
	OpID      string
	Kind      ReportKind
	Scene     string
	Progress  float64
	Error     string
}

// Inbound is a report together with the connection it arrived on.
type Inbound struct {
	Conn   lobby.ConnID
	Report Report
}

// Network is the host's view of its peers. Messages to one connection are
// delivered in order; no ordering holds across connections.
type Network interface {
	ConnectionSet() []lobby.ConnID
	Send(conn lobby.ConnID, cmd Command) error
	Inbound() *notify.Topic[Inbound]
	Events() *notify.Topic[lobby.ConnEvent]
}

// Upstream is a participant's link to its host.
type Upstream interface {
	Report(r Report) error
	Downstream() *notify.Topic[Command]
}
