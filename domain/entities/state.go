package entities

// ConnectionStatus is the synchronizer's state.
type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
)

// UiState is everything the reading view needs to render the conversation controls.
type UiState struct {
	Status        ConnectionStatus `json:"status"`
	IsSpeaking    bool             `json:"is_speaking"`
	IsDemoMode    bool             `json:"is_demo_mode"`
	ErrorMessage  string           `json:"error,omitempty"`
	ConfigProblem bool             `json:"config_problem,omitempty"`
}

// SessionEventType enumerates lifecycle events raised by a real-time session.
type SessionEventType string

const (
	EventConnected       SessionEventType = "connected"
	EventDisconnected    SessionEventType = "disconnected"
	EventError           SessionEventType = "error"
	EventSpeakingChanged SessionEventType = "speaking"
)

// SessionEvent is one inbound event from a real-time session.
type SessionEvent struct {
	Type     SessionEventType
	Speaking bool
	Err      error
}
