package livesession

// SessionState is the lifecycle of one streaming session.
//
// Connecting → Streaming ⇄ Reconnecting → Closed. Streaming is re-entered
// when a reconnect succeeds; Closed is terminal.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
