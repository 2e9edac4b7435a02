package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"antrian/queue-service/internal/models"
	"antrian/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateTicketSequence(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	const n = 20
	var wg sync.WaitGroup
	numbers := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID: uuid.NewString(),
				ServiceID: seed.serviceID,
				CreatedAt: time.Now().UTC(),
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
}

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	createTicket(t, ctx, st, seed.serviceID, uuid.NewString())

	inputs := []store.CallNextInput{
		{RequestID: uuid.NewString(), CounterID: seed.counterA},
		{RequestID: uuid.NewString(), CounterID: seed.counterB},
	}

	var wg sync.WaitGroup
	results := make(chan callResult, len(inputs))
	for _, input := range inputs {
		wg.Add(1)
		go func(in store.CallNextInput) {
			defer wg.Done()
			ticket, applied, err := st.CallNext(ctx, in)
			results <- callResult{ticketID: ticket.TicketID, applied: applied, err: err}
		}(input)
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		if !result.applied {
			t.Fatalf("expected ticket assignment")
		}
		ids = append(ids, result.ticketID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct tickets, got %s", ids[0])
	}
}

func TestCallNextAutoClosesPreviousTicket(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	first := createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	createTicket(t, ctx, st, seed.serviceID, uuid.NewString())

	called, _, err := st.CallNext(ctx, store.CallNextInput{
		RequestID: uuid.NewString(),
		CounterID: seed.counterA,
	})
	if err != nil {
		t.Fatalf("first call next: %v", err)
	}
	if called.TicketID != first.TicketID {
		t.Fatalf("expected oldest ticket first")
	}

	second, _, err := st.CallNext(ctx, store.CallNextInput{
		RequestID: uuid.NewString(),
		CounterID: seed.counterA,
	})
	if err != nil {
		t.Fatalf("second call next: %v", err)
	}
	if second.TicketID == first.TicketID {
		t.Fatalf("expected a different ticket on second call")
	}

	var status string
	row := pool.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1`, first.TicketID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read first ticket: %v", err)
	}
	if status != models.StatusServed {
		t.Fatalf("expected first ticket auto-closed as served, got %s", status)
	}
}

func TestCreateTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	requestID := uuid.NewString()
	first := createTicket(t, ctx, st, seed.serviceID, requestID)
	second := createTicket(t, ctx, st, seed.serviceID, requestID)

	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'ticket.created'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.created event, got %d", count)
	}
}

func TestCallNextEmptyQueueIdempotency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	requestID := uuid.NewString()
	_, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: requestID, CounterID: seed.counterA})
	if err != store.ErrNoTicket {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}

	// Replay must return the recorded empty outcome even if a ticket arrived
	// in between.
	createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	_, _, err = st.CallNext(ctx, store.CallNextInput{RequestID: requestID, CounterID: seed.counterA})
	if err != store.ErrNoTicket {
		t.Fatalf("expected replayed ErrNoTicket, got %v", err)
	}
}

func TestSkipRequeueAfterFirst(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)

	// Space the arrivals out past the requeue step so the repositioned ticket
	// lands strictly between its neighbors.
	skipped := createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	time.Sleep(2 * time.Millisecond)
	second := createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	time.Sleep(2 * time.Millisecond)
	third := createTicket(t, ctx, st, seed.serviceID, uuid.NewString())

	called, _, err := st.CallNext(ctx, store.CallNextInput{
		RequestID: uuid.NewString(),
		CounterID: seed.counterA,
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != skipped.TicketID {
		t.Fatalf("expected first ticket called")
	}

	_, _, err = st.SkipTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  skipped.TicketID,
		Mode:      store.SkipRequeueAfterFirst,
	})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}

	queue, err := st.ListQueue(ctx, seed.floorID, "")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 waiting tickets, got %d", len(queue))
	}
	want := []string{second.TicketID, skipped.TicketID, third.TicketID}
	for i, id := range want {
		if queue[i].TicketID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, queue[i].TicketID)
		}
	}
}

func TestServeTerminalTicketRejected(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)
	ticket := createTicket(t, ctx, st, seed.serviceID, uuid.NewString())

	if _, _, err := st.CallNext(ctx, store.CallNextInput{
		RequestID: uuid.NewString(),
		CounterID: seed.counterA,
	}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, _, err := st.ServeTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	_, _, err := st.ServeTicket(ctx, store.TicketActionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
	})
	if err != store.ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestOutboxCursorOrdering(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seed := seedBaseData(t, ctx, st)
	for i := 0; i < 3; i++ {
		createTicket(t, ctx, st, seed.serviceID, uuid.NewString())
	}

	first, err := st.ListOutboxEvents(ctx, store.Offset{}, 2)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 events, got %d", len(first))
	}
	cursor := store.Offset{
		LastEventTime: first[len(first)-1].CreatedAt,
		LastEventID:   first[len(first)-1].EventID,
	}
	rest, err := st.ListOutboxEvents(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("list outbox rest: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest))
	}
	for _, event := range first {
		if event.EventID == rest[0].EventID {
			t.Fatalf("cursor returned an already delivered event")
		}
	}
}

type callResult struct {
	ticketID string
	applied  bool
	err      error
}

type seedData struct {
	floorID   string
	serviceID string
	counterA  string
	counterB  string
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBaseData(t *testing.T, ctx context.Context, st *Store) seedData {
	t.Helper()
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
	counterA, err := st.CreateCounter(ctx, models.Counter{
		FloorID: floor.FloorID,
		Name:    "Counter A",
		Active:  true,
	})
	if err != nil {
		t.Fatalf("create counter A: %v", err)
	}
	counterB, err := st.CreateCounter(ctx, models.Counter{
		FloorID: floor.FloorID,
		Name:    "Counter B",
		Active:  true,
	})
	if err != nil {
		t.Fatalf("create counter B: %v", err)
	}
	return seedData{
		floorID:   floor.FloorID,
		serviceID: service.ServiceID,
		counterA:  counterA.CounterID,
		counterB:  counterB.CounterID,
	}
}

func createTicket(t *testing.T, ctx context.Context, st *Store, serviceID, requestID string) models.Ticket {
	t.Helper()
	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID: requestID,
		ServiceID: serviceID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}
