// Package websocket is the realtime chat transport. A Hub tracks which
// connections have joined which rooms and fans events out to room members.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
)

// Client actions.
const (
	ActionJoinRoom    = "join-room"
	ActionLeaveRoom   = "leave-room"
	ActionSendMessage = "send-message"
	ActionTyping      = "typing"
)

// Server events.
const (
	EventJoined     = "joined"
	EventLeft       = "left"
	EventNewMessage = "new-message"
	EventUserTyping = "user-typing"
	EventError      = "error"
)

// Event is a message pushed to connected clients.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	IsTyping  *bool           `json:"isTyping,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientMessage is an inbound frame from a client.
type ClientMessage struct {
	Action   string `json:"action"`
	RoomID   string `json:"roomId"`
	Content  string `json:"content,omitempty"`
	Type     string `json:"type,omitempty"`
	IsTyping *bool  `json:"isTyping,omitempty"`
}

// ChatStore decides room access and persists posted messages. The returned
// message is what members receive in the new-message event.
type ChatStore interface {
	CanJoin(ctx context.Context, roomID string, p *auth.Principal) error
	PostMessage(ctx context.Context, roomID string, sender *auth.Principal, content, msgType string) (any, error)
}

// Client is one websocket connection. Its room set is guarded by the hub.
type Client struct {
	ID        string
	Principal *auth.Principal
	Send      chan []byte
	rooms     map[string]struct{}
}

// NewClient creates a client with a buffered send queue.
func NewClient(id string, p *auth.Principal) *Client {
	return &Client{
		ID:        id,
		Principal: p,
		Send:      make(chan []byte, 256),
		rooms:     make(map[string]struct{}),
	}
}

// Hub is the central connection manager. All operations are safe for
// concurrent use; no lock is held while calling the ChatStore.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{} // room -> members
	all    map[*Client]struct{}
	store  ChatStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewHub(store ChatStore, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		store:  store,
		logger: logger.With().Str("component", "chat").Logger(),
		now:    time.Now,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister removes the client from every room and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for room := range client.rooms {
		h.removeLocked(client, room)
	}
	delete(h.all, client)
	close(client.Send)
}

// Join adds client to room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
}

// Leave removes client from room.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client, room)
}

func (h *Hub) removeLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// InRoom reports whether client has joined room.
func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := client.rooms[room]
	return ok
}

// Broadcast sends event to every member of room except skip, which may be nil.
func (h *Hub) Broadcast(room string, event Event, skip *Client) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		if client == skip {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// Publish sends a new-message event for message to every member of room.
func (h *Hub) Publish(room string, sender *auth.Principal, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	evt := Event{Type: EventNewMessage, RoomID: room, Message: raw, Timestamp: h.now().UTC()}
	if sender != nil {
		evt.UserID = sender.ID
		evt.UserName = sender.Name
	}
	h.Broadcast(room, evt, nil)
	return nil
}

// sendTo queues event for one client.
func (h *Hub) sendTo(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// ProcessMessage dispatches one client frame. Problems are reported back to
// the sender as error events; the connection stays open.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.RoomID == "" {
		h.fail(client, "", "roomId is required")
		return
	}

	switch msg.Action {
	case ActionJoinRoom:
		if err := h.store.CanJoin(ctx, msg.RoomID, client.Principal); err != nil {
			h.fail(client, msg.RoomID, clientMessage(err, "Cannot join room"))
			return
		}
		h.Join(client, msg.RoomID)
		h.sendTo(client, Event{Type: EventJoined, RoomID: msg.RoomID, Timestamp: h.now().UTC()})
		h.logger.Debug().Str("client", client.ID).Str("room", msg.RoomID).Msg("joined room")

	case ActionLeaveRoom:
		h.Leave(client, msg.RoomID)
		h.sendTo(client, Event{Type: EventLeft, RoomID: msg.RoomID, Timestamp: h.now().UTC()})

	case ActionSendMessage:
		if !h.InRoom(client, msg.RoomID) {
			h.fail(client, msg.RoomID, "Join the room before sending messages")
			return
		}
		posted, err := h.store.PostMessage(ctx, msg.RoomID, client.Principal, msg.Content, msg.Type)
		if err != nil {
			h.fail(client, msg.RoomID, clientMessage(err, "Failed to send message"))
			return
		}
		if err := h.Publish(msg.RoomID, client.Principal, posted); err != nil {
			h.fail(client, msg.RoomID, "Failed to send message")
		}

	case ActionTyping:
		if !h.InRoom(client, msg.RoomID) {
			return
		}
		typing := true
		if msg.IsTyping != nil {
			typing = *msg.IsTyping
		}
		h.Broadcast(msg.RoomID, Event{
			Type:      EventUserTyping,
			RoomID:    msg.RoomID,
			UserID:    client.Principal.ID,
			UserName:  client.Principal.Name,
			IsTyping:  &typing,
			Timestamp: h.now().UTC(),
		}, client)

	default:
		h.fail(client, msg.RoomID, "Unknown action")
	}
}

func (h *Hub) fail(client *Client, room, message string) {
	h.sendTo(client, Event{Type: EventError, RoomID: room, Error: message, Timestamp: h.now().UTC()})
}

// clientMessage keeps the message of classified errors and hides the rest.
func clientMessage(err error, fallback string) string {
	var ae *apierror.Error
	if errors.As(err, &ae) && ae.StatusCode() < 500 {
		if len(ae.Details) > 0 {
			return ae.Details[0].Field + ": " + ae.Details[0].Message
		}
		return ae.Message
	}
	return fallback
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients in room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
