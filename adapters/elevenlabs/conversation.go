package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSpeakingHold     = 750 * time.Millisecond
	eventBufferSize         = 32
)

// ErrNotConnected is returned when audio is sent before the session is connected.
var ErrNotConnected = errors.New("elevenlabs: session not connected")

// SessionConfig tunes the real-time conversation transport. Zero values use defaults.
type SessionConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// SpeakingHold is how long after the last agent audio chunk the agent still counts as speaking.
	SpeakingHold time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SpeakingHold == 0 {
		c.SpeakingHold = defaultSpeakingHold
	}
	return c
}

// Dialer opens conversations with the ElevenLabs Agents Platform over a signed URL.
type Dialer struct {
	config SessionConfig
	sink   repositories.AudioSink
	logger *zap.Logger
}

// Ensure Dialer implements the SessionOpener interface
var _ repositories.SessionOpener = (*Dialer)(nil)

// NewDialer creates a Dialer. Agent audio is written to sink, which may be nil.
func NewDialer(config SessionConfig, sink repositories.AudioSink, logger *zap.Logger) *Dialer {
	return &Dialer{
		config: config.withDefaults(),
		sink:   sink,
		logger: logger,
	}
}

// StartSession dials the signed URL and sends the conversation initiation data.
// The returned session reports "connected" once the agent acknowledges the initiation.
func (d *Dialer) StartSession(ctx context.Context, params entities.SessionParams) (repositories.ConversationSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, params.SignedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, domain.NewError(domain.KindSessionStart,
				fmt.Sprintf("dial failed with status %d", resp.StatusCode), err)
		}
		return nil, domain.NewError(domain.KindSessionStart, "dial failed", err)
	}

	initiation := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: params.DynamicVariables(),
	}
	if params.VoiceID != "" {
		initiation.ConfigOverride = &configOverride{TTS: &ttsOverride{VoiceID: params.VoiceID}}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
	if err := conn.WriteJSON(initiation); err != nil {
		conn.Close()
		return nil, domain.NewError(domain.KindSessionStart, "failed to send conversation initiation", err)
	}

	c := &Conversation{
		conn:   conn,
		config: d.config,
		sink:   d.sink,
		logger: d.logger,
		events: make(chan entities.SessionEvent, eventBufferSize),
		done:   make(chan struct{}),
		state:  entities.StatusConnecting,
	}
	go c.readLoop()

	d.logger.Info("Conversation session opened",
		zap.String("voiceID", params.VoiceID),
		zap.String("chapterNumber", params.ChapterNumber))

	return c, nil
}

// Conversation is a live ElevenLabs conversation.
type Conversation struct {
	conn   *websocket.Conn
	config SessionConfig
	sink   repositories.AudioSink
	logger *zap.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	state       entities.ConnectionStatus
	speaking    bool
	silenceTime *time.Timer
	silenceGen  uint64

	eventsMu     sync.RWMutex
	eventsClosed bool
	events       chan entities.SessionEvent
	done         chan struct{}
	closeOnce    sync.Once

	conversationID string
	audioChunks    atomic.Int64
}

// Events returns the lifecycle event channel. It is closed when the read loop exits.
func (c *Conversation) Events() <-chan entities.SessionEvent {
	return c.events
}

// Status returns the current connection status.
func (c *Conversation) Status() entities.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsSpeaking reports whether the agent is currently producing audio.
func (c *Conversation) IsSpeaking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speaking
}

// ConversationID returns the provider's id for this conversation once connected.
func (c *Conversation) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// SendAudio forwards a PCM16 microphone chunk to the agent.
func (c *Conversation) SendAudio(pcm []byte) error {
	if c.Status() != entities.StatusConnected {
		return ErrNotConnected
	}
	return c.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(pcm),
	})
}

// EndSession closes the conversation. Calling it more than once is safe.
func (c *Conversation) EndSession(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.writeMu.Lock()
		werr := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = fmt.Errorf("elevenlabs: close handshake failed: %w", werr)
		}
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("elevenlabs: close failed: %w", cerr)
		}
		c.logger.Info("Conversation session ended", zap.Int64("audioChunks", c.audioChunks.Load()))
	})
	return err
}

func (c *Conversation) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conversation) readLoop() {
	defer func() {
		c.mu.Lock()
		c.state = entities.StatusIdle
		c.speaking = false
		c.silenceGen++
		if c.silenceTime != nil {
			c.silenceTime.Stop()
		}
		c.mu.Unlock()
		c.conn.Close()

		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Conversation connection closed")
				c.emit(entities.SessionEvent{Type: entities.EventDisconnected})
				return
			}
			c.logger.Error("Conversation read error", zap.Error(err))
			c.emit(entities.SessionEvent{
				Type: entities.EventError,
				Err:  domain.NewError(domain.KindInternal, "connection lost", err),
			})
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Failed to parse conversation message", zap.Error(err))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Conversation) handleMessage(msg incomingMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		c.mu.Lock()
		c.state = entities.StatusConnected
		if msg.InitiationMetadata != nil {
			c.conversationID = msg.InitiationMetadata.ConversationID
		}
		c.mu.Unlock()
		c.emit(entities.SessionEvent{Type: entities.EventConnected})

	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			c.logger.Warn("Failed to decode agent audio", zap.Error(err))
			return
		}
		c.audioChunks.Add(1)
		c.setSpeaking(true)
		if c.sink != nil {
			c.sink.WriteAudio(audio)
		}

	case "interruption", "user_transcript", "audio_done", "agent_response_done":
		c.setSpeaking(false)

	case "ping":
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		if err := c.writeJSON(map[string]interface{}{"type": "pong", "event_id": eventID}); err != nil {
			c.logger.Warn("Failed to answer ping", zap.Error(err))
		}

	case "error":
		message := msg.Message
		if message == "" {
			message = "Unknown error"
		}
		c.emit(entities.SessionEvent{
			Type: entities.EventError,
			Err:  domain.NewError(domain.KindInternal, message, nil),
		})

	default:
		c.logger.Debug("Unhandled conversation message", zap.String("type", msg.Type))
	}
}

// setSpeaking emits a speaking event on change. While audio keeps arriving the
// silence timer is pushed back; when it fires the agent has stopped speaking.
func (c *Conversation) setSpeaking(speaking bool) {
	c.mu.Lock()
	c.silenceGen++
	gen := c.silenceGen
	if c.silenceTime != nil {
		c.silenceTime.Stop()
		c.silenceTime = nil
	}
	if speaking {
		c.silenceTime = time.AfterFunc(c.config.SpeakingHold, func() { c.silenceElapsed(gen) })
	}
	changed := c.updateSpeakingLocked(speaking)
	c.mu.Unlock()

	if changed {
		c.emit(entities.SessionEvent{Type: entities.EventSpeakingChanged, Speaking: speaking})
	}
}

func (c *Conversation) silenceElapsed(gen uint64) {
	c.mu.Lock()
	if gen != c.silenceGen {
		c.mu.Unlock()
		return
	}
	c.silenceTime = nil
	changed := c.updateSpeakingLocked(false)
	c.mu.Unlock()

	if changed {
		c.emit(entities.SessionEvent{Type: entities.EventSpeakingChanged, Speaking: false})
	}
}

func (c *Conversation) updateSpeakingLocked(speaking bool) bool {
	changed := c.speaking != speaking
	c.speaking = speaking
	return changed
}

func (c *Conversation) emit(event entities.SessionEvent) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	// The silence timer can fire after the read loop has exited.
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- event:
	case <-c.done:
	}
}

func (c *Conversation) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("elevenlabs: write failed: %w", err)
	}
	return nil
}

type initiationMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
	ConfigOverride   *configOverride   `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	TTS *ttsOverride `json:"tts,omitempty"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id"`
}

type incomingMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	InitiationMetadata *initiationMetadata `json:"conversation_initiation_metadata_event,omitempty"`
	AudioEvent         *audioEvent         `json:"audio_event,omitempty"`
	PingEvent          *pingEvent          `json:"ping_event,omitempty"`
}

type initiationMetadata struct {
	ConversationID string `json:"conversation_id"`
}

type audioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}
