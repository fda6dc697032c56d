package lobby

import (
	"errors"
	"fmt"
)

var (
	// ErrExternalCallFailed is returned when the discovery service or the
	// transport rejects a call.
	ErrExternalCallFailed = errors.New("external call failed")
	// ErrSessionCreateFailed is reported when a create is rejected or the
	// host could not start. It wraps ErrExternalCallFailed.
	ErrSessionCreateFailed = fmt.Errorf("session create failed: %w", ErrExternalCallFailed)
	// ErrAuthorityViolation is returned when a non-host mutates session state.
	ErrAuthorityViolation = errors.New("authority violation: only the host may modify the session")
	// ErrPeerDisconnected marks a peer dropped from an in-flight operation.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrStaleNotification marks a notification for a session that is no
	// longer current. Such notifications are dropped.
	ErrStaleNotification = errors.New("stale notification")
	// ErrInvalidState is returned for commands issued in the wrong state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidCapacity is returned for capacities below one.
	ErrInvalidCapacity = errors.New("capacity must be at least 1")
	// ErrInvalidSessionID is returned for empty session ids.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrDiscoveryTimeout is reported when a discovery notification does not
	// arrive in time.
	ErrDiscoveryTimeout = errors.New("discovery call timed out")
	// ErrHostLost is reported when a guest loses its host connection.
	ErrHostLost = errors.New("host connection lost")
)
