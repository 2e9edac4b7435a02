// Package memory implements the ticket store on process-local state. It backs
// local development without a database and the concurrency tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"antrian/queue-service/internal/models"
	"antrian/queue-service/internal/store"

	"github.com/google/uuid"
)

type serviceState struct {
	// mu serializes number assignment for one service so concurrent kiosks
	// never draw the same number. Independent services do not contend.
	mu  sync.Mutex
	svc models.Service
}

type floorState struct {
	// mu serializes dispatch for one floor's queue.
	mu    sync.Mutex
	floor models.Floor
}

type ticketRec struct {
	t models.Ticket
	// seq breaks created_at ties in queue order.
	seq int64
}

type actionRecord struct {
	action   string
	ticketID string
}

type Store struct {
	// mu guards the maps and slices below. Lock order is entity mutex first,
	// then mu; mu is never held while acquiring an entity mutex.
	mu             sync.RWMutex
	floors         map[string]*floorState
	services       map[string]*serviceState
	counters       map[string]models.Counter
	tickets        map[string]*ticketRec
	requestTickets map[string]string
	actionRequests map[string]actionRecord
	settings       map[string]string
	outbox         []store.OutboxEvent
	offset         store.Offset
	nextSeq        int64
}

var _ store.TicketStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		floors:         make(map[string]*floorState),
		services:       make(map[string]*serviceState),
		counters:       make(map[string]models.Counter),
		tickets:        make(map[string]*ticketRec),
		requestTickets: make(map[string]string),
		actionRequests: make(map[string]actionRecord),
		settings:       make(map[string]string),
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.RLock()
	svcState, ok := s.services[input.ServiceID]
	s.mu.RUnlock()
	if !ok {
		return models.Ticket{}, false, store.ErrServiceNotFound
	}

	svcState.mu.Lock()
	defer svcState.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.requestTickets[input.RequestID]; ok {
		rec := s.tickets[existingID]
		ticket := s.viewLocked(rec)
		ticket.RequestID = input.RequestID
		return ticket, false, nil
	}

	svcState.svc.LastNumber++
	number := svcState.svc.LastNumber

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.nextSeq++
	rec := &ticketRec{
		t: models.Ticket{
			TicketID:   uuid.NewString(),
			Number:     number,
			FullNumber: formatTicketNumber(svcState.svc.Code, number),
			ServiceID:  input.ServiceID,
			FloorID:    svcState.svc.FloorID,
			Status:     models.StatusWaiting,
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
			RequestID:  input.RequestID,
		},
		seq: s.nextSeq,
	}
	s.tickets[rec.t.TicketID] = rec
	s.requestTickets[input.RequestID] = rec.t.TicketID

	ticket := s.viewLocked(rec)
	ticket.RequestID = input.RequestID
	s.appendEventLocked(store.EventTicketCreated, ticket)
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	return s.viewLocked(rec), true, nil
}

func (s *Store) ListQueue(ctx context.Context, floorID, serviceID string) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.waitingLocked(floorID, "")
	var tickets []models.Ticket
	for _, rec := range recs {
		if serviceID != "" && rec.t.ServiceID != serviceID {
			continue
		}
		tickets = append(tickets, s.viewLocked(rec))
	}
	return tickets, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	s.mu.RLock()
	counter, ok := s.counters[input.CounterID]
	var flState *floorState
	if ok {
		flState = s.floors[counter.FloorID]
	}
	s.mu.RUnlock()
	if !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	if !counter.Active {
		return models.Ticket{}, false, store.ErrCounterInactive
	}

	flState.mu.Lock()
	defer flState.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.actionRequests[input.RequestID]; ok {
		if record.ticketID == "" {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		ticket := s.viewLocked(s.tickets[record.ticketID])
		ticket.RequestID = input.RequestID
		return ticket, false, nil
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	// Whatever the counter was handling is finished the moment it calls the
	// next visitor.
	for _, rec := range s.tickets {
		if rec.t.CounterID != nil && *rec.t.CounterID == input.CounterID &&
			(rec.t.Status == models.StatusCalled || rec.t.Status == models.StatusServing) {
			rec.t.Status = models.StatusServed
			servedAt := calledAt
			rec.t.ServedAt = &servedAt
			rec.t.UpdatedAt = calledAt
			s.appendEventLocked(store.EventTicketUpdated, s.viewLocked(rec))
		}
	}

	waiting := s.waitingLocked(counter.FloorID, "")
	if len(waiting) == 0 {
		s.actionRequests[input.RequestID] = actionRecord{action: "call_next"}
		return models.Ticket{}, false, store.ErrNoTicket
	}

	rec := waiting[0]
	counterID := input.CounterID
	rec.t.Status = models.StatusCalled
	rec.t.CounterID = &counterID
	calledCopy := calledAt
	rec.t.CalledAt = &calledCopy
	rec.t.UpdatedAt = calledAt

	s.actionRequests[input.RequestID] = actionRecord{action: "call_next", ticketID: rec.t.TicketID}

	ticket := s.viewLocked(rec)
	ticket.RequestID = input.RequestID
	s.appendEventLocked(store.EventTicketCalled, ticket)
	return ticket, true, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, input, "recall", func(rec *ticketRec, occurredAt time.Time) {
		rec.t.UpdatedAt = occurredAt
	}, store.EventTicketCalled)
}

func (s *Store) StartServing(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, input, "start_serving", func(rec *ticketRec, occurredAt time.Time) {
		rec.t.Status = models.StatusServing
		rec.t.UpdatedAt = occurredAt
	}, store.EventTicketUpdated)
}

func (s *Store) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, input, "serve", func(rec *ticketRec, occurredAt time.Time) {
		rec.t.Status = models.StatusServed
		servedAt := occurredAt
		rec.t.ServedAt = &servedAt
		rec.t.UpdatedAt = occurredAt
	}, store.EventTicketUpdated)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, input, "cancel", func(rec *ticketRec, occurredAt time.Time) {
		rec.t.Status = models.StatusCancelled
		rec.t.UpdatedAt = occurredAt
	}, store.EventTicketUpdated)
}

func (s *Store) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	s.mu.RLock()
	rec, ok := s.tickets[input.TicketID]
	var flState *floorState
	if ok {
		flState = s.floors[rec.t.FloorID]
	}
	s.mu.RUnlock()
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	flState.mu.Lock()
	defer flState.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket, applied, done := s.replayLocked(input.RequestID); done {
		return ticket, applied, nil
	}
	if !store.ValidTransition("skip", rec.t.Status) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	var waitingKeys []time.Time
	for _, other := range s.waitingLocked(rec.t.FloorID, rec.t.TicketID) {
		waitingKeys = append(waitingKeys, other.t.CreatedAt)
		if len(waitingKeys) == 2 {
			break
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	decision := store.DecideSkip(input.Mode, occurredAt, waitingKeys)

	rec.t.Status = decision.Status
	rec.t.UpdatedAt = occurredAt
	if decision.ClearCounter {
		rec.t.CounterID = nil
	}
	if decision.ClearCalledAt {
		rec.t.CalledAt = nil
	}
	if !decision.QueuedAt.IsZero() {
		rec.t.CreatedAt = decision.QueuedAt
	}

	s.actionRequests[input.RequestID] = actionRecord{action: "skip", ticketID: rec.t.TicketID}

	ticket := s.viewLocked(rec)
	ticket.RequestID = input.RequestID
	s.appendEventLocked(store.EventTicketUpdated, ticket)
	return ticket, true, nil
}

func (s *Store) applyAction(ctx context.Context, input store.TicketActionInput, action string, mutate func(*ticketRec, time.Time), eventType string) (models.Ticket, bool, error) {
	s.mu.RLock()
	rec, ok := s.tickets[input.TicketID]
	var flState *floorState
	if ok {
		flState = s.floors[rec.t.FloorID]
	}
	s.mu.RUnlock()
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	flState.mu.Lock()
	defer flState.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket, applied, done := s.replayLocked(input.RequestID); done {
		return ticket, applied, nil
	}
	if !store.ValidTransition(action, rec.t.Status) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	mutate(rec, occurredAt)

	s.actionRequests[input.RequestID] = actionRecord{action: action, ticketID: rec.t.TicketID}

	ticket := s.viewLocked(rec)
	ticket.RequestID = input.RequestID
	s.appendEventLocked(eventType, ticket)
	return ticket, true, nil
}

func (s *Store) replayLocked(requestID string) (models.Ticket, bool, bool) {
	record, ok := s.actionRequests[requestID]
	if !ok {
		return models.Ticket{}, false, false
	}
	ticket := s.viewLocked(s.tickets[record.ticketID])
	ticket.RequestID = requestID
	return ticket, false, true
}

func (s *Store) GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *ticketRec
	for _, rec := range s.tickets {
		if rec.t.CounterID == nil || *rec.t.CounterID != counterID {
			continue
		}
		if rec.t.Status != models.StatusCalled && rec.t.Status != models.StatusServing {
			continue
		}
		if best == nil || laterCalled(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return models.Ticket{}, false, nil
	}
	return s.viewLocked(best), true, nil
}

func laterCalled(a, b *ticketRec) bool {
	if a.t.CalledAt == nil {
		return false
	}
	if b.t.CalledAt == nil {
		return true
	}
	return a.t.CalledAt.After(*b.t.CalledAt)
}

func (s *Store) MonitorSnapshot(ctx context.Context, floorID string) (store.MonitorSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.floors[floorID]; !ok {
		return store.MonitorSnapshot{}, store.ErrFloorNotFound
	}

	var serving []*ticketRec
	for _, rec := range s.tickets {
		if rec.t.FloorID != floorID {
			continue
		}
		if rec.t.Status == models.StatusCalled || rec.t.Status == models.StatusServing {
			serving = append(serving, rec)
		}
	}
	sort.Slice(serving, func(i, j int) bool { return laterCalled(serving[i], serving[j]) })
	if len(serving) > 5 {
		serving = serving[:5]
	}

	var snapshot store.MonitorSnapshot
	for _, rec := range serving {
		snapshot.Serving = append(snapshot.Serving, s.viewLocked(rec))
	}

	counts := make(map[string]int)
	for _, rec := range s.tickets {
		if rec.t.FloorID == floorID && rec.t.Status == models.StatusWaiting {
			counts[rec.t.ServiceID]++
		}
	}
	for _, svcState := range s.services {
		if svcState.svc.FloorID != floorID {
			continue
		}
		snapshot.Waiting = append(snapshot.Waiting, store.WaitingCount{
			ServiceID:   svcState.svc.ServiceID,
			ServiceName: svcState.svc.Name,
			ServiceCode: svcState.svc.Code,
			Count:       counts[svcState.svc.ServiceID],
		})
	}
	sort.Slice(snapshot.Waiting, func(i, j int) bool {
		return snapshot.Waiting[i].ServiceName < snapshot.Waiting[j].ServiceName
	})
	return snapshot, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if after.LastEventID != "" {
		for i, event := range s.outbox {
			if event.EventID == after.LastEventID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.outbox) {
		end = len(s.outbox)
	}
	events := make([]store.OutboxEvent, end-start)
	copy(events, s.outbox[start:end])
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context) (store.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	return nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	for _, event := range s.outbox {
		if !event.CreatedAt.Before(before) {
			kept = append(kept, event)
		}
	}
	s.outbox = kept
	return nil
}

func (s *Store) CreateFloor(ctx context.Context, floor models.Floor) (models.Floor, error) {
	if floor.FloorID == "" {
		floor.FloorID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floors[floor.FloorID] = &floorState{floor: floor}
	return floor, nil
}

func (s *Store) UpdateFloor(ctx context.Context, floor models.Floor) (models.Floor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.floors[floor.FloorID]
	if !ok {
		return models.Floor{}, store.ErrFloorNotFound
	}
	state.floor = floor
	return floor, nil
}

func (s *Store) DeleteFloor(ctx context.Context, floorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.floors[floorID]; !ok {
		return store.ErrFloorNotFound
	}
	delete(s.floors, floorID)
	for id, svcState := range s.services {
		if svcState.svc.FloorID == floorID {
			delete(s.services, id)
		}
	}
	for id, counter := range s.counters {
		if counter.FloorID == floorID {
			delete(s.counters, id)
		}
	}
	for id, rec := range s.tickets {
		if rec.t.FloorID == floorID {
			delete(s.tickets, id)
		}
	}
	return nil
}

func (s *Store) ListFloors(ctx context.Context) ([]models.Floor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var floors []models.Floor
	for _, state := range s.floors {
		floors = append(floors, state.floor)
	}
	sort.Slice(floors, func(i, j int) bool {
		if floors[i].Level != floors[j].Level {
			return floors[i].Level < floors[j].Level
		}
		return floors[i].Name < floors[j].Name
	})
	return floors, nil
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	if service.ServiceID == "" {
		service.ServiceID = uuid.NewString()
	}
	if service.StartNumber <= 0 {
		service.StartNumber = 1
	}
	service.LastNumber = service.StartNumber - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.floors[service.FloorID]; !ok {
		return models.Service{}, store.ErrFloorNotFound
	}
	s.services[service.ServiceID] = &serviceState{svc: service}
	return service, nil
}

func (s *Store) UpdateService(ctx context.Context, service models.Service) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.services[service.ServiceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	state.svc.Name = service.Name
	state.svc.Code = service.Code
	return state.svc, nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return store.ErrServiceNotFound
	}
	delete(s.services, serviceID)
	for id, rec := range s.tickets {
		if rec.t.ServiceID == serviceID {
			delete(s.tickets, id)
		}
	}
	return nil
}

func (s *Store) ListServices(ctx context.Context, floorID string) ([]models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var services []models.Service
	for _, state := range s.services {
		if floorID != "" && state.svc.FloorID != floorID {
			continue
		}
		services = append(services, state.svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	if counter.CounterID == "" {
		counter.CounterID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.floors[counter.FloorID]; !ok {
		return models.Counter{}, store.ErrFloorNotFound
	}
	s.counters[counter.CounterID] = counter
	return counter, nil
}

func (s *Store) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.counters[counter.CounterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	existing.Name = counter.Name
	existing.Active = counter.Active
	s.counters[counter.CounterID] = existing
	return existing, nil
}

func (s *Store) DeleteCounter(ctx context.Context, counterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[counterID]; !ok {
		return store.ErrCounterNotFound
	}
	delete(s.counters, counterID)
	for _, rec := range s.tickets {
		if rec.t.CounterID != nil && *rec.t.CounterID == counterID {
			rec.t.CounterID = nil
		}
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context, floorID string) ([]models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counters []models.Counter
	for _, counter := range s.counters {
		if floorID != "" && counter.FloorID != floorID {
			continue
		}
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })
	return counters, nil
}

func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.settings[key]; ok {
		return value, nil
	}
	return fallback, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) ResetQueues(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.services {
		state.svc.LastNumber = state.svc.StartNumber - 1
	}
	s.tickets = make(map[string]*ticketRec)
	s.requestTickets = make(map[string]string)
	s.actionRequests = make(map[string]actionRecord)
	return nil
}

func (s *Store) DailyReset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.tickets {
		if !models.TerminalStatus(rec.t.Status) {
			delete(s.tickets, id)
			removed++
		}
	}
	return removed, nil
}

// waitingLocked returns the floor's waiting tickets in queue order, optionally
// excluding one ticket. Callers hold at least a read lock on mu.
func (s *Store) waitingLocked(floorID, excludeID string) []*ticketRec {
	var recs []*ticketRec
	for _, rec := range s.tickets {
		if rec.t.FloorID != floorID || rec.t.Status != models.StatusWaiting {
			continue
		}
		if excludeID != "" && rec.t.TicketID == excludeID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].t.CreatedAt.Equal(recs[j].t.CreatedAt) {
			return recs[i].t.CreatedAt.Before(recs[j].t.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})
	return recs
}

func (s *Store) viewLocked(rec *ticketRec) models.Ticket {
	if rec == nil {
		return models.Ticket{}
	}
	ticket := rec.t
	if svcState, ok := s.services[ticket.ServiceID]; ok {
		ticket.ServiceName = svcState.svc.Name
		ticket.ServiceCode = svcState.svc.Code
	}
	if flState, ok := s.floors[ticket.FloorID]; ok {
		ticket.FloorName = flState.floor.Name
	}
	if ticket.CounterID != nil {
		if counter, ok := s.counters[*ticket.CounterID]; ok {
			ticket.CounterName = counter.Name
		}
	}
	return ticket
}

func (s *Store) appendEventLocked(eventType string, ticket models.Ticket) {
	payload, err := json.Marshal(eventPayload(ticket))
	if err != nil {
		return
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func formatTicketNumber(code string, number int64) string {
	return fmt.Sprintf("%s-%03d", code, number)
}

func eventPayload(ticket models.Ticket) map[string]interface{} {
	return map[string]interface{}{
		"ticket_id":    ticket.TicketID,
		"number":       ticket.Number,
		"full_number":  ticket.FullNumber,
		"service_id":   ticket.ServiceID,
		"floor_id":     ticket.FloorID,
		"counter_id":   ticket.CounterID,
		"status":       ticket.Status,
		"created_at":   ticket.CreatedAt,
		"called_at":    ticket.CalledAt,
		"served_at":    ticket.ServedAt,
		"request_id":   ticket.RequestID,
		"service_name": ticket.ServiceName,
		"service_code": ticket.ServiceCode,
		"floor_name":   ticket.FloorName,
		"counter_name": ticket.CounterName,
	}
}
