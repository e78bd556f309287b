// Package session keeps the reading view's conversation controls in step with
// the lifecycle of a single real-time voice session.
package session

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
	"github.com/satriahrh/bookvoice/server/internal/reader"
)

const (
	MessagePermissionDenied = "Microphone permission is required for voice conversation"
	MessageDemoMode         = "Demo mode: Using placeholder agent ID. Set up your AGENT_ID environment variable for real functionality."
	MessageInvalidURL       = "Received invalid signed URL from server"
	MessageStartFailed      = "Failed to start conversation"
	MessageStopFailed       = "Failed to stop conversation"
)

var (
	// ErrBusy is returned when a start is requested while a session is connecting or
	// connected, or a stop is requested while a start is still in flight.
	ErrBusy = errors.New("session: a conversation is already in progress")
	// ErrNotConnected is returned when audio is sent without a connected session.
	ErrNotConnected = errors.New("session: no connected conversation")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: synchronizer closed")
)

// StateListener receives UI states in the order they were produced. Calls are serialized
// and a state superseded before it could be delivered is skipped. The listener must not
// call Start, Stop or Close.
type StateListener func(state entities.UiState)

// Synchronizer owns at most one conversation handle and derives UI state from its lifecycle.
type Synchronizer struct {
	microphone  repositories.MicrophoneAuthorizer
	credentials repositories.CredentialIssuer
	opener      repositories.SessionOpener
	listener    StateListener
	logger      *zap.Logger

	mu         sync.Mutex
	state      entities.UiState
	handle     repositories.ConversationSession
	params     entities.SessionParams
	generation uint64
	version    uint64
	closed     bool

	// notifyMu orders listener calls; published is the last delivered version.
	notifyMu  sync.Mutex
	published uint64
}

// NewSynchronizer creates an idle Synchronizer. listener may be nil.
func NewSynchronizer(
	microphone repositories.MicrophoneAuthorizer,
	credentials repositories.CredentialIssuer,
	opener repositories.SessionOpener,
	listener StateListener,
	logger *zap.Logger,
) *Synchronizer {
	return &Synchronizer{
		microphone:  microphone,
		credentials: credentials,
		opener:      opener,
		listener:    listener,
		logger:      logger,
		state:       entities.UiState{Status: entities.StatusIdle},
	}
}

// State returns the current UI state.
func (s *Synchronizer) State() entities.UiState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveParams returns the parameters of the live session, if any.
func (s *Synchronizer) ActiveParams() (entities.SessionParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return entities.SessionParams{}, false
	}
	return s.params, true
}

// Start opens a conversation about position using voice, addressing the user by userName.
// It returns ErrBusy without changing state unless the synchronizer is idle. Failures
// return a *domain.Error and leave the state idle with the error message set. Demo mode
// is not an error: the state goes back to idle with IsDemoMode set.
func (s *Synchronizer) Start(ctx context.Context, position entities.ReadingPosition, voice entities.VoiceSelection, userName string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	next, ok := transition(s.state.Status, inputStart)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("Start ignored", zap.String("status", string(s.State().Status)))
		return ErrBusy
	}
	s.generation++
	generation := s.generation
	s.state = entities.UiState{Status: next}
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(version, snapshot)

	granted, err := s.microphone.RequestMicrophone(ctx)
	if err != nil || !granted {
		return s.fail(generation, domain.NewError(domain.KindPermissionDenied, MessagePermissionDenied, err))
	}

	credential, err := s.credentials.IssueCredential(ctx, "")
	if err != nil {
		return s.fail(generation, err)
	}

	if credential.IsDemo {
		s.logger.Info("Credential proxy returned demo credential")
		s.update(generation, inputFailed, func(state *entities.UiState) {
			state.IsDemoMode = true
			state.ErrorMessage = MessageDemoMode
			state.ConfigProblem = true
		})
		return nil
	}

	if !validSignedURL(credential.SignedURL) {
		return s.fail(generation, domain.NewError(domain.KindMalformedCredential, MessageInvalidURL, nil))
	}

	params := entities.SessionParams{
		SignedURL:     credential.SignedURL,
		VoiceID:       voice.VoiceID,
		FirstName:     userName,
		ChapterNumber: reader.ChapterOrdinal(position.ChapterLabel),
		LineText:      reader.LineText(position.ParagraphSnippet),
	}

	handle, err := s.opener.StartSession(ctx, params)
	if err != nil {
		message := err.Error()
		var de *domain.Error
		if errors.As(err, &de) {
			message = de.Message
		}
		return s.fail(generation, domain.NewError(domain.KindSessionStart, message, err))
	}

	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		_ = handle.EndSession(context.Background())
		return ErrClosed
	}
	s.handle = handle
	s.params = params
	s.mu.Unlock()

	s.logger.Info("Conversation session opening",
		zap.String("voiceID", params.VoiceID),
		zap.String("chapterNumber", params.ChapterNumber))

	go s.pump(generation, handle)
	return nil
}

// Stop ends the live conversation. It is a no-op when idle and returns ErrBusy while a
// start is still in flight. The state always returns to idle with demo mode and any
// previous error cleared; a failure to end the session is reported in the error message.
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Status == entities.StatusIdle {
		s.mu.Unlock()
		return nil
	}
	if s.handle == nil {
		s.mu.Unlock()
		return ErrBusy
	}
	handle := s.handle
	s.handle = nil
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	endErr := handle.EndSession(ctx)
	if endErr != nil {
		s.logger.Warn("Failed to end conversation session", zap.Error(endErr))
	}

	s.update(generation, inputStop, func(state *entities.UiState) {
		*state = entities.UiState{Status: state.Status}
		if endErr != nil {
			state.ErrorMessage = stopMessage(endErr)
		}
	})
	return nil
}

// SendAudio forwards microphone audio to the connected session.
func (s *Synchronizer) SendAudio(pcm []byte) error {
	s.mu.Lock()
	handle := s.handle
	connected := s.state.Status == entities.StatusConnected
	s.mu.Unlock()

	if handle == nil || !connected {
		return ErrNotConnected
	}
	return handle.SendAudio(pcm)
}

// Close ends any live session and rejects further starts. No state is published.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handle := s.handle
	s.handle = nil
	s.generation++
	s.state = entities.UiState{Status: entities.StatusIdle}
	s.version++
	version := s.version
	s.mu.Unlock()

	// Nothing is published after Close.
	s.notifyMu.Lock()
	if version > s.published {
		s.published = version
	}
	s.notifyMu.Unlock()

	if handle == nil {
		return nil
	}
	return handle.EndSession(ctx)
}

// pump applies the handle's events in order until its channel closes.
func (s *Synchronizer) pump(generation uint64, handle repositories.ConversationSession) {
	for event := range handle.Events() {
		s.handleEvent(generation, event)
	}
	s.handleEvent(generation, entities.SessionEvent{Type: entities.EventDisconnected})
}

// handleEvent applies a session event raised by the handle opened at generation.
// Events from a handle that is no longer current are dropped.
func (s *Synchronizer) handleEvent(generation uint64, event entities.SessionEvent) {
	s.mu.Lock()
	if generation != s.generation || s.handle == nil {
		s.mu.Unlock()
		s.logger.Debug("Dropping event from stale session", zap.String("event", string(event.Type)))
		return
	}

	var in input
	switch event.Type {
	case entities.EventConnected:
		in = inputConnected
	case entities.EventDisconnected:
		in = inputDisconnected
	case entities.EventError:
		in = inputError
	case entities.EventSpeakingChanged:
		changed := s.state.IsSpeaking != event.Speaking
		if !changed {
			s.mu.Unlock()
			return
		}
		s.state.IsSpeaking = event.Speaking
		version, snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(version, snapshot)
		return
	default:
		s.mu.Unlock()
		s.logger.Warn("Unknown session event", zap.String("event", string(event.Type)))
		return
	}

	next, ok := transition(s.state.Status, in)
	if !ok {
		status := s.state.Status
		s.mu.Unlock()
		s.logger.Debug("Event not valid in current state",
			zap.String("event", in.String()),
			zap.String("status", string(status)))
		return
	}

	var ended repositories.ConversationSession
	switch in {
	case inputConnected:
		s.state.ErrorMessage = ""
		s.state.ConfigProblem = false
	case inputDisconnected:
		s.state.IsSpeaking = false
		s.handle = nil
	case inputError:
		s.state.IsSpeaking = false
		s.state.ErrorMessage, s.state.ConfigProblem = s.eventErrorMessage(event.Err)
		ended = s.handle
		s.handle = nil
	}
	s.state.Status = next
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if ended != nil {
		go func() {
			if err := ended.EndSession(context.Background()); err != nil {
				s.logger.Debug("Ending failed session", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Conversation state changed",
		zap.String("event", in.String()),
		zap.String("status", string(snapshot.Status)))
	s.notify(version, snapshot)
}

// ConversationID returns the provider's id for the live session, empty when there is none.
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return ""
	}
	return handle.ConversationID()
}

func (s *Synchronizer) eventErrorMessage(err error) (string, bool) {
	message, configProblem := domain.Describe(err)
	if message == "" {
		message = "Unknown error"
	}
	return "Conversation error: " + message, configProblem
}

// fail moves a start attempt back to idle with err's message.
func (s *Synchronizer) fail(generation uint64, err error) error {
	message, configProblem := domain.Describe(err)
	if message == "" {
		message = MessageStartFailed
	}
	s.logger.Warn("Conversation start failed",
		zap.String("kind", string(domain.KindOf(err))),
		zap.Error(err))

	s.update(generation, inputFailed, func(state *entities.UiState) {
		state.ErrorMessage = message
		state.ConfigProblem = configProblem
	})
	return err
}

// update applies in and mutate to the state if generation is still current, then publishes it.
func (s *Synchronizer) update(generation uint64, in input, mutate func(state *entities.UiState)) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	next, ok := transition(s.state.Status, in)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.state.Status = next
	s.state.IsSpeaking = false
	mutate(&s.state)
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(version, snapshot)
}

// snapshotLocked stamps the current state with a new version. s.mu must be held.
func (s *Synchronizer) snapshotLocked() (uint64, entities.UiState) {
	s.version++
	return s.version, s.state
}

// notify delivers state unless a newer version has already been delivered.
func (s *Synchronizer) notify(version uint64, state entities.UiState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.published {
		return
	}
	s.published = version
	if s.listener != nil {
		s.listener(state)
	}
}

func stopMessage(err error) string {
	if message, _ := domain.Describe(err); message != "" {
		return message
	}
	return MessageStopFailed
}

func validSignedURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return true
	default:
		return false
	}
}
