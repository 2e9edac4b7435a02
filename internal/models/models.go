package models

import "time"

// Floor groups services and counters; dispatch is scoped to a single floor.
type Floor struct {
	FloorID string `json:"floor_id"`
	Name    string `json:"name"`
	Level   int    `json:"level"`
}

type Service struct {
	ServiceID   string `json:"service_id"`
	FloorID     string `json:"floor_id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	StartNumber int64  `json:"start_number"`
	LastNumber  int64  `json:"last_number"`
}

type Counter struct {
	CounterID string `json:"counter_id"`
	FloorID   string `json:"floor_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

// Ticket is the queue entry. CreatedAt doubles as the FIFO ordering key and is
// rewritten by the requeue skip modes. The display fields are joined in for
// event payloads and monitor reads; they are empty on bare rows.
type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	Number      int64      `json:"number"`
	FullNumber  string     `json:"full_number"`
	ServiceID   string     `json:"service_id"`
	FloorID     string     `json:"floor_id"`
	CounterID   *string    `json:"counter_id,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	RequestID   string     `json:"request_id,omitempty"`
	ServiceName string     `json:"service_name,omitempty"`
	ServiceCode string     `json:"service_code,omitempty"`
	FloorName   string     `json:"floor_name,omitempty"`
	CounterName string     `json:"counter_name,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusServed    = "served"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// TerminalStatus reports whether a ticket can no longer re-enter the queue.
func TerminalStatus(status string) bool {
	switch status {
	case StatusServed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}
