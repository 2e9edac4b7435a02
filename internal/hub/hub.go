// Package hub fans event payloads out to connected display and operator
// clients by topic.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func NewClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 16), topics: make(map[string]bool)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		client.topics[topic] = true
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(topics) == 0 {
		client.topics = make(map[string]bool)
		return
	}
	for _, topic := range topics {
		delete(client.topics, topic)
	}
}

// Publish delivers the payload to every client subscribed to the topic. Slow
// clients are skipped rather than blocking the rest; the realtime stream is a
// cache, monitors resync from the read endpoints.
func (h *Hub) Publish(topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.topics[topic] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s on %s", client.ID, topic)
		}
	}
	return nil
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
