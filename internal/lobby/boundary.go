package lobby

import (
	"context"

	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// RequestID correlates a create or list call with its notification. The
// caller picks it; the discovery service echoes it back. Zero marks a result
// from a service that does not correlate, which any pending call accepts.
type RequestID uint64

// CreateResult is delivered when a requested session has been created.
type CreateResult struct {
	Request RequestID
	ID      SessionID
	Err     error
}

// JoinRequest is delivered when the local user accepted an invite.
type JoinRequest struct {
	ID SessionID
}

// EnterResult is delivered when the local user entered a session, including
// the host entering its own newly created session.
type EnterResult struct {
	ID  SessionID
	Err error
}

// ListResult is delivered in answer to QueryList.
type ListResult struct {
	Request   RequestID
	Summaries []Summary
}

// Notifications holds one topic per discovery notification kind.
type Notifications struct {
	Created       *notify.Topic[CreateResult]
	JoinRequested *notify.Topic[JoinRequest]
	Entered       *notify.Topic[EnterResult]
	ListReady     *notify.Topic[ListResult]
}

// NewNotifications creates an open set of notification topics.
func NewNotifications() *Notifications {
	return &Notifications{
		Created:       notify.NewTopic[CreateResult]("session.created"),
		JoinRequested: notify.NewTopic[JoinRequest]("session.join_requested"),
		Entered:       notify.NewTopic[EnterResult]("session.entered"),
		ListReady:     notify.NewTopic[ListResult]("session.list_ready"),
	}
}

// Close closes every topic.
func (n *Notifications) Close() {
	n.Created.Close()
	n.JoinRequested.Close()
	n.Entered.Close()
	n.ListReady.Close()
}

// User identifies the local participant to the discovery service.
type User struct {
	ID          string
	DisplayName string
}

// Discovery is the external discovery service. Create, join and list calls
// return once the request is accepted; their results arrive later on the
// Notifications topics.
type Discovery interface {
	CreateSession(ctx context.Context, req RequestID, visibility Visibility, capacity int) error
	JoinSession(ctx context.Context, id SessionID) error
	LeaveSession(ctx context.Context, id SessionID) error
	QueryList(ctx context.Context, req RequestID, maxResults int) error
	GetMetadata(ctx context.Context, id SessionID, key string) (string, error)
	SetMetadata(ctx context.Context, id SessionID, key, value string) error
	SetVisibility(ctx context.Context, id SessionID, visibility Visibility) error
	SetCapacity(ctx context.Context, id SessionID, capacity int) error
	LocalUser() User
	Notifications() *Notifications
}

// ConnID identifies one connection in the host's connection set.
type ConnID string

// ConnEventKind classifies a transport event.
type ConnEventKind int

const (
	// ConnConnected is published on the host when a peer connects.
	ConnConnected ConnEventKind = iota
	// ConnDisconnected is published on the host when a peer goes away.
	ConnDisconnected
	// ConnHostLost is published on a guest when its host stream ends.
	ConnHostLost
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnHostLost:
		return "host_lost"
	default:
		return "unknown"
	}
}

// ConnEvent is a change in transport connectivity.
type ConnEvent struct {
	Kind ConnEventKind
	Conn ConnID
}

// Transport is the peer connection manager.
type Transport interface {
	// ConnectAsHost starts listening and returns the address guests dial.
	ConnectAsHost(ctx context.Context) (string, error)
	// ConnectAsGuest connects to address. When address is the local host's
	// own address the local guest loop is attached in-process.
	ConnectAsGuest(ctx context.Context, address string) error
	// Disconnect stops the listener, any guest connection and the local loop.
	Disconnect()
	// ConnectionSet returns a snapshot of the host's connected peers.
	ConnectionSet() []ConnID
	// HostStarted returns a channel closed once hosting is fully started:
	// the listener is up and the local guest loop is attached.
	HostStarted() <-chan struct{}
	Events() *notify.Topic[ConnEvent]
}

// SessionObserver is told when a session is established and when it ends.
// Calls are made in order from the state machine and must not call back into it.
type SessionObserver interface {
	SessionStarted(s Session)
	SessionEnded(id SessionID)
}
