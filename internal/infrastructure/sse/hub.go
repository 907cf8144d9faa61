package sse

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/domain/negotiation"
)

var (
	ErrNoSubscribers = errors.New("party has no open streams")
	ErrChannelFull   = errors.New("stream buffer full")
)

const (
	TypeNegotiationEvent = "negotiation_event"
	TypeDeadlineReminder = "deadline_reminder"
)

const clientBuffer = 64

// Message is one server-sent event. Type becomes the SSE "event:" field.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client is one open stream belonging to a party.
type Client struct {
	ID          string
	PartyID     string
	MessageChan chan *Message
	closeOnce   sync.Once
}

func NewClient(partyID string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		PartyID:     partyID,
		MessageChan: make(chan *Message, clientBuffer),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

// Hub fans negotiation events and deadline reminders out to party streams.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent delivers a ledger event to every open stream of the recipients.
// Slow streams drop the message rather than block the writer.
func (h *Hub) PublishEvent(ev *negotiation.Event, recipients []string) {
	delivered, dropped := h.sendToParties(recipients, &Message{Type: TypeNegotiationEvent, Data: ev})
	if dropped > 0 {
		h.logger.Warn().
			Str("event_id", ev.ID.String()).
			Int("delivered", delivered).
			Int("dropped", dropped).
			Msg("event dropped for slow streams")
	}
}

// PublishReminder delivers a deadline reminder. It fails when no recipient
// stream accepted the message so the scheduler can retry on its next pass.
func (h *Hub) PublishReminder(r scheduler.Reminder, recipients []string) error {
	delivered, dropped := h.sendToParties(recipients, &Message{Type: TypeDeadlineReminder, Data: r})
	switch {
	case delivered > 0:
		return nil
	case dropped > 0:
		return ErrChannelFull
	}
	return ErrNoSubscribers
}

func (h *Hub) sendToParties(parties []string, msg *Message) (delivered, dropped int) {
	want := make(map[string]struct{}, len(parties))
	for _, p := range parties {
		if p != "" {
			want[p] = struct{}{}
		}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if _, ok := want[c.PartyID]; !ok {
			continue
		}
		if trySend(c, msg) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
