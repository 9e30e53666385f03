package client

// Phase is the controller's position in its connection lifecycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseReady          Phase = "ready"
	PhaseError          Phase = "error"
	PhaseReconnecting   Phase = "reconnecting"
)

// State is the controller's observable record. A snapshot is published on
// every mutation.
type State struct {
	Phase           Phase
	IsConnected     bool
	IsConnecting    bool
	IsAuthenticated bool
	IsReady         bool
	Error           string
	AttemptCount    int
}

// Usable reports whether outbound actions may be sent.
func (s State) Usable() bool {
	return s.IsConnected && s.IsAuthenticated && s.IsReady
}
