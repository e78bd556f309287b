// Command client is a smoke client for a running server. It fetches a ticket,
// opens the reading websocket, reports a short book layout, asks for a
// conversation and prints everything the server sends back.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/internal/auth"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server base URL")
	firstName := flag.String("name", "Reader", "first name passed to the agent")
	voice := flag.String("voice", "Will", "voice name or id")
	talkFor := flag.Duration("talk", 10*time.Second, "how long to keep the conversation open")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	base, err := url.Parse(*serverURL)
	if err != nil {
		logger.Fatal("Invalid server URL", zap.Error(err))
	}

	ticket, err := fetchTicket(base)
	if err != nil {
		logger.Fatal("Failed to get ticket", zap.Error(err))
	}
	logger.Info("Ticket issued", zap.String("client_id", ticket.ClientID), zap.Time("expires_at", ticket.ExpiresAt))

	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"
	q := wsURL.Query()
	q.Set("token", ticket.Token)
	wsURL.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			logger.Fatal("WebSocket connection failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		logger.Fatal("WebSocket connection failed", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("WebSocket connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		audioBytes := 0
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Info("Connection closed", zap.Error(err), zap.Int("audio_bytes", audioBytes))
				return
			}
			if messageType == websocket.BinaryMessage {
				audioBytes += len(message)
				continue
			}
			logger.Info("Received", zap.ByteString("message", message))
		}
	}()

	send := func(v interface{}) {
		if err := conn.WriteJSON(v); err != nil {
			logger.Fatal("Failed to send message", zap.Error(err))
		}
	}

	viewport := entities.Viewport{ScrollTop: 0, Height: 800}
	send(map[string]interface{}{"type": "hello", "viewport": viewport, "blocks": sampleBook()})

	viewport.ScrollTop = 900
	send(map[string]interface{}{"type": "scroll", "viewport": viewport, "blocks": sampleBook()})

	send(map[string]interface{}{
		"type":               "start",
		"first_name":         *firstName,
		"voice_id":           *voice,
		"microphone_granted": true,
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-time.After(*talkFor):
	case <-interrupt:
	case <-done:
		return
	}

	send(map[string]interface{}{"type": "stop"})
	time.Sleep(time.Second)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func fetchTicket(base *url.URL) (auth.Ticket, error) {
	var ticket auth.Ticket
	resp, err := http.Post(base.JoinPath("/api/v1/tickets").String(), "application/json", nil)
	if err != nil {
		return ticket, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ticket, fmt.Errorf("ticket request failed with status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&ticket)
	return ticket, err
}

// sampleBook is a two chapter layout with fixed geometry.
func sampleBook() []entities.Block {
	return []entities.Block{
		{Kind: entities.BlockChapter, Label: "Chapter I", Top: 0, Height: 60},
		{Kind: entities.BlockParagraph, Text: "It was a bright cold day in April, and the clocks were striking thirteen.", Top: 60, Height: 400},
		{Kind: entities.BlockParagraph, Text: "Outside, even through the shut window-pane, the world looked cold.", Top: 460, Height: 400},
		{Kind: entities.BlockChapter, Label: "Chapter II", Top: 860, Height: 60},
		{Kind: entities.BlockParagraph, Text: "The ministry of truth was startlingly different from any other object in sight.", Top: 920, Height: 800},
	}
}
