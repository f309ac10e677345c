package stream

import "time"

// Session is the controller-owned record of one login attempt. Only the
// controller goroutine touches it; everyone else reads a Snapshot.
type Session struct {
	ID                 string
	State              State
	CreatedAt          time.Time
	TwoFactorCode      string
	DisconnectDeadline time.Time
	URL                string
	Err                string
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	ID                 string
	State              State
	CreatedAt          time.Time
	LastActivity       time.Time
	TwoFactorCode      string
	DisconnectDeadline time.Time
	Attached           bool
	URL                string
	Err                string
	EndedAt            time.Time
}

func (s Snapshot) Active() bool { return !s.State.Terminal() }

func (s Snapshot) Complete() bool { return s.State == StateComplete }

// CanReconnect reports whether a new client may still attach.
func (s Snapshot) CanReconnect() bool {
	return s.State == StateDisconnectedGrace || s.State == StateStreaming || s.State == StateCreated
}
