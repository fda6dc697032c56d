// Package lobby owns the multiplayer session lifecycle: the session data
// model, the single-flight Session Directory, and the Session Lifecycle
// State Machine that reconciles discovery notifications with local state.
package lobby

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Well-known metadata keys written by the host on create.
const (
	// MetaHostAddress is the transport address guests dial.
	MetaHostAddress = "HostAddress"
	// MetaName is the lobby display name shown in listings.
	MetaName = "name"
)

// SessionID is an opaque session identifier issued by the discovery service.
type SessionID string

// Role is the local participant's role in a session.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// Visibility controls who can discover a session.
type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityFriendsOnly
	VisibilityPublic
	VisibilityInvisible
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPrivate:
		return "private"
	case VisibilityFriendsOnly:
		return "friends_only"
	case VisibilityPublic:
		return "public"
	case VisibilityInvisible:
		return "invisible"
	default:
		return "visibility(" + strconv.Itoa(int(v)) + ")"
	}
}

// ParseVisibility parses the configuration spelling of a visibility.
//
// Postcondition: Returns the visibility or an error for an unknown name.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return VisibilityPrivate, nil
	case "friends_only", "friendsonly":
		return VisibilityFriendsOnly, nil
	case "public":
		return VisibilityPublic, nil
	case "invisible":
		return VisibilityInvisible, nil
	default:
		return 0, fmt.Errorf("unknown visibility %q", s)
	}
}

// State is a Session Lifecycle State Machine state.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateHosting
	StateJoining
	StateGuesting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateHosting:
		return "hosting"
	case StateJoining:
		return "joining"
	case StateGuesting:
		return "guesting"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// InSession reports whether s is an established session state.
func (s State) InSession() bool {
	return s == StateHosting || s == StateGuesting
}

// Session is the local participant's view of the active session.
// Metadata is authoritative for the host and a cache for guests.
// Guests do not learn Capacity or Visibility and leave them zero.
type Session struct {
	ID         SessionID
	Role       Role
	Metadata   map[string]string
	Capacity   int
	Visibility Visibility
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// Summary is the read-only listing projection of a discoverable session.
type Summary struct {
	ID       SessionID
	Name     string
	Members  int
	Capacity int
}

// DisplayName returns the listing name, or "Empty" when the session has none.
func (s Summary) DisplayName() string {
	if s.Name == "" {
		return "Empty"
	}
	return s.Name
}

// CapacityText renders membership as "members/capacity".
func (s Summary) CapacityText() string {
	return fmt.Sprintf("%d/%d", s.Members, s.Capacity)
}

// LobbyName returns the listing name a host advertises.
func LobbyName(displayName string) string {
	return displayName + "'s lobby"
}
