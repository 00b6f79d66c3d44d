package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionStateConnecting     SessionState = "connecting"
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateReady          SessionState = "ready"
	SessionStateDraining       SessionState = "draining"
	SessionStateClosed         SessionState = "closed"
)

// Capability strings checked before a command is accepted.
const (
	CapExecute   = "execute"
	CapCancel    = "cancel"
	CapSubscribe = "subscribe"
	CapWorker    = "worker"
)

// SessionInfo is the read-only view of a live connection, exposed for
// monitoring and referenced by ID from the orchestrator. The session
// manager owns the mutable state exclusively.
type SessionInfo struct {
	SessionID   uuid.UUID
	Identity    string
	Permissions []string
	State       SessionState

	Worker bool
	Slots  int

	LastLivenessAt time.Time
	ConnectedAt    time.Time
}

// HasPermission reports whether the session holds the given capability.
func (s SessionInfo) HasPermission(cap string) bool {
	for _, p := range s.Permissions {
		if p == cap {
			return true
		}
	}
	return false
}
