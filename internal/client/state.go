package client

// Status is the connectivity phase of a Client.
type Status int

const (
	// StatusDisconnected is the initial state and the state after an
	// explicit Disconnect or any close.
	StatusDisconnected Status = iota

	// StatusConnecting means a transport session is being opened.
	StatusConnecting

	// StatusConnected means the transport is open and heartbeats are running.
	StatusConnected

	// StatusError means the last attempt failed or reconnection gave up.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is a snapshot of the client's view of connectivity.
type ConnectionState struct {
	Status            Status `json:"status"`
	LastError         string `json:"lastError,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}
