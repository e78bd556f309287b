package session

import "github.com/satriahrh/bookvoice/server/domain/entities"

type input int

const (
	inputStart input = iota
	inputFailed
	inputConnected
	inputDisconnected
	inputError
	inputStop
)

func (i input) String() string {
	switch i {
	case inputStart:
		return "start"
	case inputFailed:
		return "failed"
	case inputConnected:
		return "connected"
	case inputDisconnected:
		return "disconnected"
	case inputError:
		return "error"
	case inputStop:
		return "stop"
	default:
		return "unknown"
	}
}

// transition is the complete state table. ok is false when input is not valid in state.
func transition(state entities.ConnectionStatus, in input) (next entities.ConnectionStatus, ok bool) {
	switch state {
	case entities.StatusIdle:
		switch in {
		case inputStart:
			return entities.StatusConnecting, true
		case inputStop:
			return entities.StatusIdle, true
		}
	case entities.StatusConnecting:
		switch in {
		case inputConnected:
			return entities.StatusConnected, true
		case inputFailed, inputDisconnected, inputError, inputStop:
			return entities.StatusIdle, true
		}
	case entities.StatusConnected:
		switch in {
		case inputDisconnected, inputError, inputStop:
			return entities.StatusIdle, true
		}
	}
	return state, false
}
