package repositories

import (
	"context"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

// ConversationSession is a live real-time session with the voice agent.
// Events is closed once the session has fully terminated.
type ConversationSession interface {
	Events() <-chan entities.SessionEvent
	SendAudio(pcm []byte) error
	EndSession(ctx context.Context) error
	Status() entities.ConnectionStatus
	IsSpeaking() bool
	// ConversationID is the provider's id for the session, empty until connected.
	ConversationID() string
}

// SessionOpener opens real-time sessions
type SessionOpener interface {
	StartSession(ctx context.Context, params entities.SessionParams) (ConversationSession, error)
}

// MicrophoneAuthorizer asks the host platform for microphone access
type MicrophoneAuthorizer interface {
	RequestMicrophone(ctx context.Context) (bool, error)
}

// AudioSink receives agent audio produced by a session
type AudioSink interface {
	WriteAudio(pcm []byte)
}
