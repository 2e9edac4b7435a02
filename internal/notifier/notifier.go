// Package notifier turns committed outbox events into topic broadcasts for
// monitors and operator consoles.
package notifier

import (
	"encoding/json"
	"log"
	"time"
)

// Publisher is the fan-out sink. Delivery is best effort; a failed or missing
// subscriber never affects ticket state.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Envelope is the wire shape pushed to realtime clients.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const LobbyTopic = "monitor.lobby"

func FloorTopic(floorID string) string {
	return "monitor.floor." + floorID
}

func ServiceTopic(serviceID string) string {
	return "operator.service." + serviceID
}

type Notifier struct {
	publisher Publisher
}

func New(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// PublishEvent routes one event to the floor monitor, the lobby monitor, and
// the owning service's operator topic. Publish errors are logged and dropped.
func (n *Notifier) PublishEvent(eventType string, payload json.RawMessage, createdAt time.Time) {
	envelope := Envelope{Type: eventType, Payload: payload, CreatedAt: createdAt}
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("notifier marshal error: %v", err)
		return
	}

	floorID, serviceID := extractMeta(payload)
	topics := []string{LobbyTopic}
	if floorID != "" {
		topics = append(topics, FloorTopic(floorID))
	}
	if serviceID != "" {
		topics = append(topics, ServiceTopic(serviceID))
	}
	for _, topic := range topics {
		if err := n.publisher.Publish(topic, data); err != nil {
			log.Printf("notifier publish error on %s: %v", topic, err)
		}
	}
}

func extractMeta(payload []byte) (floorID, serviceID string) {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", ""
	}
	return str(data["floor_id"]), str(data["service_id"])
}

func str(value interface{}) string {
	if text, ok := value.(string); ok {
		return text
	}
	return ""
}
