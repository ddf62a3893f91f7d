package bookingws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
)

// Hub fans booking transitions out to every connected admin dashboard.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     *logrus.Logger
	now        func() time.Time
}

type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	email string
	send  chan []byte
}

type Event struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Booking   *models.Booking `json:"booking"`
	Timestamp string          `json:"timestamp"`
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		logger:     logger,
		now:        time.Now,
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, email string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		email: email,
		send:  make(chan []byte, 32),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case payload := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Slow reader, drop it rather than stall the feed.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish never blocks the caller. Events are dropped when the buffer is full.
func (h *Hub) Publish(action string, booking *models.Booking) {
	payload, err := json.Marshal(Event{
		Type:      "booking",
		Action:    action,
		Booking:   booking,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.WithError(err).Error("booking feed encode event")
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.WithFields(logrus.Fields{
			"action":     action,
			"booking_id": booking.ID,
		}).Warn("booking feed buffer full, event dropped")
	}
}

// Serve runs a connection until the admin disconnects.
func (h *Hub) Serve(conn *websocket.Conn, email string) {
	client := NewClient(h, conn, email)
	h.Register(client)
	go client.WritePump()
	client.ReadPump()
}

// ReadPump only watches for the connection closing; the feed is one-way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
