package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain"
	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
	"github.com/satriahrh/bookvoice/server/internal/reader"
	"github.com/satriahrh/bookvoice/server/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Layout messages carry every block of the book.
	maxMessageSize = 2 * 1024 * 1024

	sendBufferSize = 256

	// Upper bound for a start attempt: microphone, credential and dial.
	startTimeout = 30 * time.Second

	stopTimeout  = 5 * time.Second
	storeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// OpenerFactory builds the session opener for one client. Agent audio for
// that client's sessions is written to sink.
type OpenerFactory func(sink repositories.AudioSink) repositories.SessionOpener

// Hub maintains the set of active clients.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	credentials   repositories.CredentialIssuer
	openers       OpenerFactory
	conversations repositories.ConversationRepository
	validator     *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(
	credentials repositories.CredentialIssuer,
	openers OpenerFactory,
	conversations repositories.ConversationRepository,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		credentials:   credentials,
		openers:       openers,
		conversations: conversations,
		validator:     NewMessageValidator(),
		logger:        logger,
	}
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if existing, ok := h.clients[client.clientID]; ok {
				// A ticket is good for one live connection.
				existing.closeSend()
			}
			h.clients[client.clientID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("clientID", client.clientID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.clientID]; ok && current == client {
				delete(h.clients, client.clientID)
			}
			h.mu.Unlock()
			client.closeSend()
			h.logger.Info("Client unregistered", zap.String("clientID", client.clientID))

		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				client.closeSend()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown disconnects every client and stops Run.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.quitOnce.Do(func() { close(h.quit) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
// Each client owns one reading position and one conversation synchronizer.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	clientID string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	extractor    *reader.Extractor
	synchronizer *session.Synchronizer

	mutex  sync.Mutex
	closed bool

	// historyMu guards the conversation record.
	historyMu    sync.Mutex
	lastStatus   entities.ConnectionStatus
	conversation *entities.Conversation
}

// HandleWebSocketWithAuth handles websocket requests for a client authenticated by ticket
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, clientID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := hub.newClient(conn, clientID, logger.With(zap.String("clientID", clientID)))
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

func (h *Hub) newClient(conn *websocket.Conn, clientID string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan WriteData, sendBufferSize),
		clientID:   clientID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		extractor:  reader.NewExtractor(),
		lastStatus: entities.StatusIdle,
	}
	client.synchronizer = session.NewSynchronizer(
		client,
		h.credentials,
		h.openers(client),
		client.onState,
		logger,
	)
	return client
}

type microphoneGrantKey struct{}

// withMicrophoneGrant attaches the permission reported by one start request to ctx.
func withMicrophoneGrant(ctx context.Context, granted bool) context.Context {
	return context.WithValue(ctx, microphoneGrantKey{}, granted)
}

// RequestMicrophone reports the permission the browser sent with the start request
// that ctx belongs to. Without one, access is denied.
func (c *Client) RequestMicrophone(ctx context.Context) (bool, error) {
	granted, _ := ctx.Value(microphoneGrantKey{}).(bool)
	return granted, nil
}

// WriteAudio forwards agent audio to the browser as a binary frame.
func (c *Client) WriteAudio(pcm []byte) {
	if !c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: pcm}) {
		c.logger.Warn("Dropping agent audio chunk", zap.Int("size", len(pcm)))
	}
}

// readPump pumps messages from the websocket connection to the synchronizer.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.closeSend()
		}
		c.conn.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage processes incoming control messages from the reading view
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendJSON(CreateErrorMessage(ErrorCodeInvalidMessage, "Invalid message", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *LayoutMessage:
		c.handleLayout(m)
	case *StartMessage:
		c.handleStart(m)
	case *StopMessage:
		c.handleStop()
	case *PingMessage:
		c.sendJSON(CreatePongMessage(m.Data))
	}
}

// handleLayout recomputes the reading position. Scroll updates are only pushed on change.
func (c *Client) handleLayout(msg *LayoutMessage) {
	previous := c.extractor.Position()
	position := c.extractor.Update(msg.Viewport, msg.Blocks)

	if msg.Type == MessageTypeHello {
		c.sendJSON(CreateStateMessage(c.synchronizer.State()))
	}
	if msg.Type == MessageTypeHello || position != previous {
		c.sendJSON(CreatePositionMessage(position))
	}
}

// handleStart runs the start sequence off the read loop so scroll and audio keep flowing.
func (c *Client) handleStart(msg *StartMessage) {
	granted := msg.MicrophoneGranted
	voice := entities.ResolveVoice(msg.VoiceID)
	firstName := msg.FirstName
	if firstName == "" {
		firstName = entities.DefaultFirstName
	}
	position := c.extractor.Position()

	go func() {
		ctx, cancel := context.WithTimeout(withMicrophoneGrant(c.ctx, granted), startTimeout)
		defer cancel()

		err := c.synchronizer.Start(ctx, position, voice, firstName)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrBusy):
			c.sendJSON(CreateErrorMessage(ErrorCodeBusy, "A conversation is already in progress", ""))
		case errors.Is(err, session.ErrClosed):
		default:
			message, _ := domain.Describe(err)
			c.sendJSON(CreateErrorMessage(string(domain.KindOf(err)), message, upstreamDetails(err)))
		}
	}()
}

func (c *Client) handleStop() {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, stopTimeout)
		defer cancel()

		if err := c.synchronizer.Stop(ctx); errors.Is(err, session.ErrBusy) {
			c.sendJSON(CreateErrorMessage(ErrorCodeBusy, "The conversation is still starting", ""))
		}
	}()
}

// processBinaryAudioChunk forwards microphone audio to the live conversation
func (c *Client) processBinaryAudioChunk(data []byte) {
	if err := c.synchronizer.SendAudio(data); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			c.logger.Debug("Dropping microphone audio without a connected conversation", zap.Int("size", len(data)))
			return
		}
		c.logger.Error("Failed to forward microphone audio", zap.Error(err))
	}
}

// onState pushes every state change and keeps the conversation history in step.
func (c *Client) onState(state entities.UiState) {
	c.sendJSON(CreateStateMessage(state))

	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	previous := c.lastStatus
	c.lastStatus = state.Status

	switch {
	case state.Status == entities.StatusConnected && previous != entities.StatusConnected:
		params, ok := c.synchronizer.ActiveParams()
		if !ok {
			return
		}
		c.conversation = entities.NewConversation(c.clientID, params)
		c.conversation.ProviderID = c.synchronizer.ConversationID()
		c.store(func(ctx context.Context) error {
			return c.hub.conversations.Create(ctx, c.conversation)
		})

	case state.Status == entities.StatusIdle && c.conversation != nil:
		if state.ErrorMessage != "" {
			c.conversation.Finish(entities.ConversationFailed, state.ErrorMessage)
		} else {
			c.conversation.Finish(entities.ConversationEnded, "disconnected")
		}
		c.store(func(ctx context.Context) error {
			return c.hub.conversations.Update(ctx, c.conversation)
		})
		c.conversation = nil
	}
}

// store runs a history write. History is best effort and never affects the session.
func (c *Client) store(op func(ctx context.Context) error) {
	if c.hub.conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		c.logger.Error("Failed to record conversation", zap.Error(err))
	}
}

// shutdown ends any live conversation once the connection is gone.
func (c *Client) shutdown() {
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.synchronizer.Close(ctx); err != nil {
		c.logger.Warn("Failed to end conversation on disconnect", zap.Error(err))
	}

	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if c.conversation != nil {
		c.conversation.Finish(entities.ConversationEnded, "client_disconnected")
		c.store(func(ctx context.Context) error {
			return c.hub.conversations.Update(ctx, c.conversation)
		})
		c.conversation = nil
	}
}

func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	if !c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload}) {
		c.logger.Warn("Dropping message for slow or closed client")
	}
}

func (c *Client) enqueue(data WriteData) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func upstreamDetails(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindUpstream {
		return de.Body
	}
	return ""
}
