package store

import (
	"context"
	"encoding/json"
	"time"

	"antrian/queue-service/internal/models"
)

type CreateTicketInput struct {
	RequestID string
	ServiceID string
	CreatedAt time.Time
}

type CallNextInput struct {
	RequestID string
	CounterID string
	CalledAt  time.Time
}

type TicketActionInput struct {
	RequestID  string
	TicketID   string
	CounterID  string
	OccurredAt time.Time
	// Mode is the skip_handling snapshot taken by the caller; only SkipTicket
	// reads it.
	Mode SkipMode
}

// WaitingCount is one row of a floor monitor snapshot.
type WaitingCount struct {
	ServiceID   string `json:"service_id"`
	ServiceName string `json:"service_name"`
	ServiceCode string `json:"service_code"`
	Count       int    `json:"count"`
}

type MonitorSnapshot struct {
	Serving []models.Ticket `json:"serving"`
	Waiting []WaitingCount  `json:"waiting"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Offset is the relay's resume cursor over the outbox, ordered by
// (created_at, event_id).
type Offset struct {
	LastEventTime time.Time
	LastEventID   string
}

// TicketStore is the durable record of tickets plus the configuration and
// directory data the dispatcher needs. Mutating operations are idempotent per
// request_id: the bool result is false when a previous attempt already
// applied and the stored outcome is being replayed.
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	ListQueue(ctx context.Context, floorID, serviceID string) ([]models.Ticket, error)

	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	StartServing(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ServeTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	SkipTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)

	GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	MonitorSnapshot(ctx context.Context, floorID string) (MonitorSnapshot, error)

	ListOutboxEvents(ctx context.Context, after Offset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context) (Offset, error)
	UpdateOffset(ctx context.Context, offset Offset) error
	CleanupOutbox(ctx context.Context, before time.Time) error

	CreateFloor(ctx context.Context, floor models.Floor) (models.Floor, error)
	UpdateFloor(ctx context.Context, floor models.Floor) (models.Floor, error)
	DeleteFloor(ctx context.Context, floorID string) error
	ListFloors(ctx context.Context) ([]models.Floor, error)

	CreateService(ctx context.Context, service models.Service) (models.Service, error)
	UpdateService(ctx context.Context, service models.Service) (models.Service, error)
	DeleteService(ctx context.Context, serviceID string) error
	ListServices(ctx context.Context, floorID string) ([]models.Service, error)

	CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	DeleteCounter(ctx context.Context, counterID string) error
	ListCounters(ctx context.Context, floorID string) ([]models.Counter, error)

	GetSetting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	ResetQueues(ctx context.Context) error
	DailyReset(ctx context.Context) (int, error)
}

// Event kinds published for ticket lifecycle changes. ticket.updated covers
// serve, skip, cancel, and auto-close; monitors treat it as a state refresh.
const (
	EventTicketCreated = "ticket.created"
	EventTicketCalled  = "ticket.called"
	EventTicketUpdated = "ticket.updated"
)

// Runtime setting keys read by the core.
const (
	SettingSkipHandling = "skip_handling"
)
