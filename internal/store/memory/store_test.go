package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"antrian/queue-service/internal/models"
	"antrian/queue-service/internal/store"

	"github.com/google/uuid"
)

type fixture struct {
	floorID   string
	serviceID string
	counterA  string
	counterB  string
}

func newFixture(t *testing.T, st *Store) fixture {
	t.Helper()
	ctx := context.Background()
	floor, err := st.CreateFloor(ctx, models.Floor{Name: "Ground", Level: 1})
	if err != nil {
		t.Fatalf("create floor: %v", err)
	}
	service, err := st.CreateService(ctx, models.Service{
		FloorID: floor.FloorID,
		Name:    "Customer Service",
		Code:    "CS",
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	counterA, err := st.CreateCounter(ctx, models.Counter{FloorID: floor.FloorID, Name: "Counter A", Active: true})
	if err != nil {
		t.Fatalf("create counter A: %v", err)
	}
	counterB, err := st.CreateCounter(ctx, models.Counter{FloorID: floor.FloorID, Name: "Counter B", Active: true})
	if err != nil {
		t.Fatalf("create counter B: %v", err)
	}
	return fixture{
		floorID:   floor.FloorID,
		serviceID: service.ServiceID,
		counterA:  counterA.CounterID,
		counterB:  counterB.CounterID,
	}
}

func issue(t *testing.T, st *Store, serviceID string, at time.Time) models.Ticket {
	t.Helper()
	ticket, _, err := st.CreateTicket(context.Background(), store.CreateTicketInput{
		RequestID: uuid.NewString(),
		ServiceID: serviceID,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func TestConcurrentIssuance(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	numbers := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID: uuid.NewString(),
				ServiceID: fx.serviceID,
			})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				numbers <- 0
				return
			}
			numbers <- ticket.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("duplicate ticket number %d", number)
		}
		seen[number] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing ticket number %d", i)
		}
	}

	services, err := st.ListServices(ctx, fx.floorID)
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if services[0].LastNumber != n {
		t.Fatalf("expected last number %d, got %d", n, services[0].LastNumber)
	}
}

func TestCallNextFIFOWithTieBreak(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	// Identical timestamps fall back to issuance order.
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	first := issue(t, st, fx.serviceID, at)
	second := issue(t, st, fx.serviceID, at)
	third := issue(t, st, fx.serviceID, at.Add(-time.Minute))

	order := []string{third.TicketID, first.TicketID, second.TicketID}
	for i, want := range order {
		ticket, _, err := st.CallNext(ctx, store.CallNextInput{
			RequestID: uuid.NewString(),
			CounterID: fx.counterA,
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if ticket.TicketID != want {
			t.Fatalf("call %d: expected %s, got %s", i, want, ticket.TicketID)
		}
	}
}

func TestCallNextAutoClosesActiveTicket(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	first := issue(t, st, fx.serviceID, base)
	issue(t, st, fx.serviceID, base.Add(time.Second))

	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	ticket, _, err := st.GetTicket(ctx, first.TicketID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if ticket.Status != models.StatusServed {
		t.Fatalf("expected first ticket served, got %s", ticket.Status)
	}
	if ticket.ServedAt == nil {
		t.Fatalf("expected served_at set on auto-close")
	}

	// Only one active ticket remains on the counter.
	active, found, err := st.GetActiveTicket(ctx, fx.counterA)
	if err != nil || !found {
		t.Fatalf("get active: found=%v err=%v", found, err)
	}
	if active.TicketID == first.TicketID {
		t.Fatalf("auto-closed ticket still active")
	}

	// The second call emits the close before the new assignment.
	events, err := st.ListOutboxEvents(ctx, store.Offset{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{
		store.EventTicketCreated, store.EventTicketCreated,
		store.EventTicketCalled,
		store.EventTicketUpdated, store.EventTicketCalled,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	requestID := uuid.NewString()
	_, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: requestID, CounterID: fx.counterA})
	if err != store.ErrNoTicket {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}

	issue(t, st, fx.serviceID, time.Now().UTC())
	_, _, err = st.CallNext(ctx, store.CallNextInput{RequestID: requestID, CounterID: fx.counterA})
	if err != store.ErrNoTicket {
		t.Fatalf("expected replayed ErrNoTicket, got %v", err)
	}
}

func TestCallNextInactiveCounter(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	counter, err := st.CreateCounter(ctx, models.Counter{FloorID: fx.floorID, Name: "Closed", Active: false})
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	issue(t, st, fx.serviceID, time.Now().UTC())

	_, _, err = st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: counter.CounterID})
	if err != store.ErrCounterInactive {
		t.Fatalf("expected ErrCounterInactive, got %v", err)
	}
}

func TestSkipDiscardLeavesQueue(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	first := issue(t, st, fx.serviceID, base)
	second := issue(t, st, fx.serviceID, base.Add(time.Second))

	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := st.SkipTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  first.TicketID,
		Mode:      store.SkipDiscard,
	}); err != nil {
		t.Fatalf("skip: %v", err)
	}

	ticket, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA})
	if err != nil {
		t.Fatalf("call after skip: %v", err)
	}
	if ticket.TicketID != second.TicketID {
		t.Fatalf("discarded ticket re-entered the queue")
	}

	skipped, _, err := st.GetTicket(ctx, first.TicketID)
	if err != nil {
		t.Fatalf("get skipped: %v", err)
	}
	if skipped.Status != models.StatusSkipped {
		t.Fatalf("expected skipped status, got %s", skipped.Status)
	}
	if skipped.CounterID != nil {
		t.Fatalf("expected counter cleared on discard")
	}
}

func TestSkipRequeueAfterFirstOrdering(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	skippedTicket := issue(t, st, fx.serviceID, base)
	second := issue(t, st, fx.serviceID, base.Add(time.Second))
	third := issue(t, st, fx.serviceID, base.Add(2*time.Second))

	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := st.SkipTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  skippedTicket.TicketID,
		Mode:      store.SkipRequeueAfterFirst,
	}); err != nil {
		t.Fatalf("skip: %v", err)
	}

	queue, err := st.ListQueue(ctx, fx.floorID, "")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	want := []string{second.TicketID, skippedTicket.TicketID, third.TicketID}
	if len(queue) != len(want) {
		t.Fatalf("expected %d waiting, got %d", len(want), len(queue))
	}
	for i, id := range want {
		if queue[i].TicketID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, queue[i].TicketID)
		}
	}
}

func TestServeTerminalTicketRejected(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	ticket := issue(t, st, fx.serviceID, time.Now().UTC())
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	served, _, err := st.ServeTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	_, _, err = st.ServeTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
	})
	if err != store.ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	after, _, err := st.GetTicket(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if !after.ServedAt.Equal(*served.ServedAt) {
		t.Fatalf("served_at moved on a rejected serve")
	}
}

func TestActionIdempotentReplay(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	ticket := issue(t, st, fx.serviceID, time.Now().UTC())
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	requestID := uuid.NewString()
	first, applied, err := st.ServeTicket(ctx, store.TicketActionInput{RequestID: requestID, TicketID: ticket.TicketID})
	if err != nil || !applied {
		t.Fatalf("serve: applied=%v err=%v", applied, err)
	}
	second, applied, err := st.ServeTicket(ctx, store.TicketActionInput{RequestID: requestID, TicketID: ticket.TicketID})
	if err != nil {
		t.Fatalf("replay serve: %v", err)
	}
	if applied {
		t.Fatalf("replay reported as newly applied")
	}
	if first.TicketID != second.TicketID || second.Status != models.StatusServed {
		t.Fatalf("replay returned a different outcome")
	}
}

func TestEventSequenceForLifecycle(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	ticket := issue(t, st, fx.serviceID, time.Now().UTC())
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := st.ServeTicket(ctx, store.TicketActionInput{RequestID: uuid.NewString(), TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("serve: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, store.Offset{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{store.EventTicketCreated, store.EventTicketCalled, store.EventTicketUpdated}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestOutboxCursorResume(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		issue(t, st, fx.serviceID, time.Now().UTC())
	}

	first, err := st.ListOutboxEvents(ctx, store.Offset{}, 2)
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 events, got %d", len(first))
	}
	cursor := store.Offset{
		LastEventTime: first[1].CreatedAt,
		LastEventID:   first[1].EventID,
	}
	rest, err := st.ListOutboxEvents(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest))
	}
}

func TestDailyResetKeepsHistory(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	done := issue(t, st, fx.serviceID, time.Now().UTC())
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := st.ServeTicket(ctx, store.TicketActionInput{RequestID: uuid.NewString(), TicketID: done.TicketID}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	issue(t, st, fx.serviceID, time.Now().UTC())
	issue(t, st, fx.serviceID, time.Now().UTC())

	removed, err := st.DailyReset(ctx)
	if err != nil {
		t.Fatalf("daily reset: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	if _, _, err := st.GetTicket(ctx, done.TicketID); err != nil {
		t.Fatalf("served history gone after daily reset: %v", err)
	}

	// Numbering continues after a daily reset.
	next := issue(t, st, fx.serviceID, time.Now().UTC())
	if next.Number != 4 {
		t.Fatalf("expected number 4, got %d", next.Number)
	}
}

func TestResetQueuesRestartsNumbering(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	issue(t, st, fx.serviceID, time.Now().UTC())
	issue(t, st, fx.serviceID, time.Now().UTC())

	if err := st.ResetQueues(ctx); err != nil {
		t.Fatalf("reset queues: %v", err)
	}

	ticket := issue(t, st, fx.serviceID, time.Now().UTC())
	if ticket.Number != 1 {
		t.Fatalf("expected numbering restart at 1, got %d", ticket.Number)
	}
	if ticket.FullNumber != "CS-001" {
		t.Fatalf("expected CS-001, got %s", ticket.FullNumber)
	}
}

func TestMonitorSnapshot(t *testing.T) {
	st := NewStore()
	fx := newFixture(t, st)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	issue(t, st, fx.serviceID, base)
	issue(t, st, fx.serviceID, base.Add(time.Second))
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), CounterID: fx.counterA}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	snapshot, err := st.MonitorSnapshot(ctx, fx.floorID)
	if err != nil {
		t.Fatalf("monitor snapshot: %v", err)
	}
	if len(snapshot.Serving) != 1 {
		t.Fatalf("expected 1 serving, got %d", len(snapshot.Serving))
	}
	if len(snapshot.Waiting) != 1 {
		t.Fatalf("expected 1 waiting row, got %d", len(snapshot.Waiting))
	}
	if snapshot.Waiting[0].Count != 1 {
		t.Fatalf("expected 1 waiting, got %d", snapshot.Waiting[0].Count)
	}

	if _, err := st.MonitorSnapshot(ctx, uuid.NewString()); err != store.ErrFloorNotFound {
		t.Fatalf("expected ErrFloorNotFound, got %v", err)
	}
}
