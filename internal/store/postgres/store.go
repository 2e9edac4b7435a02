package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"antrian/queue-service/internal/models"
	"antrian/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketNumberPad = 3

const relayOffsetName = "realtime"

const (
	maxAttempts  = 3
	retryBackoff = 25 * time.Millisecond
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	// LockTimeout bounds how long a transaction waits on a row lock before
	// the operation is retried as a conflict.
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: timeout}
}

// ticketColumns and ticketFrom join the display names monitors and event
// payloads need onto the ticket row.
const ticketColumns = `t.ticket_id, t.number, t.full_number, t.service_id, t.floor_id, t.counter_id, t.status, t.created_at, t.called_at, t.served_at, t.updated_at, s.name, s.code, f.name, COALESCE(c.name, '')`

const ticketFrom = `
	FROM tickets t
	JOIN services s ON s.service_id = t.service_id
	JOIN floors f ON f.floor_id = t.floor_id
	LEFT JOIN counters c ON c.counter_id = t.counter_id`

func (s *Store) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// withRetry re-runs fn on lock contention a bounded number of times with
// backoff, then surfaces ErrConflict. Sentinel errors pass through untouched.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		err = fn(ctx)
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", store.ErrConflict, err)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
		return true
	default:
		return false
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		t, a, err := s.createTicket(ctx, input)
		if err != nil {
			return err
		}
		ticket, applied = t, a
		return nil
	})
	return ticket, applied, err
}

func (s *Store) createTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	// Lock the service row for the read-increment-write so concurrent kiosks
	// never draw the same number.
	var floorID, code string
	var lastNumber int64
	row := tx.QueryRow(ctx, `
		SELECT floor_id, code, last_number
		FROM services
		WHERE service_id = $1
		FOR UPDATE
	`, input.ServiceID)
	if err = row.Scan(&floorID, &code, &lastNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrServiceNotFound
		}
		return models.Ticket{}, false, err
	}

	next := lastNumber + 1
	if _, err = tx.Exec(ctx, `
		UPDATE services SET last_number = $1 WHERE service_id = $2
	`, next, input.ServiceID); err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ticketID := uuid.NewString()

	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, service_id, floor_id, number, full_number,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, ticketID, input.RequestID, input.ServiceID, floorID, next,
		formatTicketNumber(code, next), models.StatusWaiting, createdAt); err != nil {
		return models.Ticket{}, false, err
	}

	ticket, err := getTicketView(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertOutboxEvent(ctx, tx, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		t, a, err := s.callNext(ctx, input)
		if err != nil {
			return err
		}
		ticket, applied = t, a
		return nil
	})
	return ticket, applied, err
}

func (s *Store) callNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "call_next", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return existing, false, nil
	}

	// The counter row lock serializes concurrent call-next on one counter, so
	// auto-close plus the new assignment stays atomic per counter.
	var floorID string
	var active bool
	row := tx.QueryRow(ctx, `
		SELECT floor_id, active
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, input.CounterID)
	if err = row.Scan(&floorID, &active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrCounterNotFound
		}
		return models.Ticket{}, false, err
	}
	if !active {
		err = store.ErrCounterInactive
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	closedIDs, err := autoCloseCounter(ctx, tx, input.CounterID, calledAt)
	if err != nil {
		return models.Ticket{}, false, err
	}
	for _, closedID := range closedIDs {
		closed, viewErr := getTicketView(ctx, tx, closedID)
		if viewErr != nil {
			err = viewErr
			return models.Ticket{}, false, err
		}
		if err = insertOutboxEvent(ctx, tx, store.EventTicketUpdated, closed); err != nil {
			return models.Ticket{}, false, err
		}
	}

	var ticketID string
	row = tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE floor_id = $1 AND status = 'waiting'
			ORDER BY created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'called',
			counter_id = $2,
			called_at = $3,
			updated_at = $3
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING tickets.ticket_id
	`, floorID, input.CounterID, calledAt)
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ""); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return models.Ticket{}, false, err
	}

	ticket, err := getTicketView(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ticketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTicketCalled, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func autoCloseCounter(ctx context.Context, tx pgx.Tx, counterID string, closedAt time.Time) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE tickets
		SET status = 'served',
			served_at = $2,
			updated_at = $2
		WHERE counter_id = $1 AND status IN ('called', 'serving')
		RETURNING ticket_id
	`, counterID, closedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		t, a, err := s.recallTicket(ctx, input)
		if err != nil {
			return err
		}
		ticket, applied = t, a
		return nil
	})
	return ticket, applied, err
}

func (s *Store) recallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "recall", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	// Recall re-announces without changing status; only the touch timestamp
	// moves.
	var ticketID string
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET updated_at = $2
		WHERE ticket_id = $1 AND status = ANY($3)
		RETURNING ticket_id
	`, input.TicketID, occurredAt, store.AllowedStatuses("recall"))
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = resolveMissing(ctx, tx, input.TicketID)
		}
		return models.Ticket{}, false, err
	}

	ticket, err := getTicketView(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, "recall", input.RequestID, ticketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTicketCalled, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) StartServing(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.updateTicketStatus(ctx, input, "start_serving", models.StatusServing, "")
}

func (s *Store) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.updateTicketStatus(ctx, input, "serve", models.StatusServed, "served_at")
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.updateTicketStatus(ctx, input, "cancel", models.StatusCancelled, "")
}

func (s *Store) updateTicketStatus(ctx context.Context, input store.TicketActionInput, action, toStatus, timestampColumn string) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		t, a, err := s.updateStatusTx(ctx, input, action, toStatus, timestampColumn)
		if err != nil {
			return err
		}
		ticket, applied = t, a
		return nil
	})
	return ticket, applied, err
}

func (s *Store) updateStatusTx(ctx context.Context, input store.TicketActionInput, action, toStatus, timestampColumn string) (models.Ticket, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `
		UPDATE tickets
		SET status = $1, updated_at = $2
	`
	args := []interface{}{toStatus, occurredAt}
	argPos := 3
	if timestampColumn != "" {
		updateQuery += fmt.Sprintf(", %s = $2", timestampColumn)
	}
	updateQuery += fmt.Sprintf(`
		WHERE ticket_id = $%d AND status = ANY($%d)
		RETURNING ticket_id`, argPos, argPos+1)
	args = append(args, input.TicketID, store.AllowedStatuses(action))

	var ticketID string
	row := tx.QueryRow(ctx, updateQuery, args...)
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = resolveMissing(ctx, tx, input.TicketID)
		}
		return models.Ticket{}, false, err
	}

	ticket, err := getTicketView(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, action, input.RequestID, ticketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTicketUpdated, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		t, a, err := s.skipTicket(ctx, input)
		if err != nil {
			return err
		}
		ticket, applied = t, a
		return nil
	})
	return ticket, applied, err
}

func (s *Store) skipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "skip", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	var floorID, status string
	row := tx.QueryRow(ctx, `
		SELECT floor_id, status
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, input.TicketID)
	if err = row.Scan(&floorID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	if !store.ValidTransition("skip", status) {
		err = store.ErrInvalidState
		return models.Ticket{}, false, err
	}

	// Lock the first two waiting entries so the ordinal requeue position is
	// computed against a stable head of the line.
	rows, err := tx.Query(ctx, `
		SELECT created_at
		FROM tickets
		WHERE floor_id = $1 AND status = 'waiting' AND ticket_id <> $2
		ORDER BY created_at ASC, seq ASC
		LIMIT 2
		FOR UPDATE
	`, floorID, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	var waitingKeys []time.Time
	for rows.Next() {
		var key time.Time
		if err = rows.Scan(&key); err != nil {
			rows.Close()
			return models.Ticket{}, false, err
		}
		waitingKeys = append(waitingKeys, key)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return models.Ticket{}, false, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	decision := store.DecideSkip(input.Mode, occurredAt, waitingKeys)

	updateQuery := `
		UPDATE tickets
		SET status = $2, updated_at = $3
	`
	args := []interface{}{input.TicketID, decision.Status, occurredAt}
	if decision.ClearCounter {
		updateQuery += ", counter_id = NULL"
	}
	if decision.ClearCalledAt {
		updateQuery += ", called_at = NULL"
	}
	if !decision.QueuedAt.IsZero() {
		updateQuery += ", created_at = $4"
		args = append(args, decision.QueuedAt)
	}
	updateQuery += " WHERE ticket_id = $1"
	if _, err = tx.Exec(ctx, updateQuery, args...); err != nil {
		return models.Ticket{}, false, err
	}

	ticket, err := getTicketView(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, "skip", input.RequestID, input.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTicketUpdated, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+ticketFrom+`
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListQueue(ctx context.Context, floorID, serviceID string) ([]models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + ticketFrom + `
		WHERE t.floor_id = $1 AND t.status = 'waiting'
	`
	args := []interface{}{floorID}
	if serviceID != "" {
		query += " AND t.service_id = $2"
		args = append(args, serviceID)
	}
	query += " ORDER BY t.created_at ASC, t.seq ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+ticketFrom+`
		WHERE t.counter_id = $1 AND t.status IN ('called', 'serving')
		ORDER BY t.called_at DESC
		LIMIT 1
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) MonitorSnapshot(ctx context.Context, floorID string) (store.MonitorSnapshot, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM floors WHERE floor_id = $1)`, floorID)
	if err := row.Scan(&exists); err != nil {
		return store.MonitorSnapshot{}, err
	}
	if !exists {
		return store.MonitorSnapshot{}, store.ErrFloorNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+ticketFrom+`
		WHERE t.floor_id = $1 AND t.status IN ('called', 'serving')
		ORDER BY t.called_at DESC
		LIMIT 5
	`, floorID)
	if err != nil {
		return store.MonitorSnapshot{}, err
	}
	defer rows.Close()

	var snapshot store.MonitorSnapshot
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return store.MonitorSnapshot{}, err
		}
		snapshot.Serving = append(snapshot.Serving, ticket)
	}
	if err := rows.Err(); err != nil {
		return store.MonitorSnapshot{}, err
	}

	countRows, err := s.pool.Query(ctx, `
		SELECT s.service_id, s.name, s.code, COUNT(t.ticket_id)
		FROM services s
		LEFT JOIN tickets t ON t.service_id = s.service_id AND t.status = 'waiting'
		WHERE s.floor_id = $1
		GROUP BY s.service_id, s.name, s.code
		ORDER BY s.name ASC
	`, floorID)
	if err != nil {
		return store.MonitorSnapshot{}, err
	}
	defer countRows.Close()

	for countRows.Next() {
		var count store.WaitingCount
		if err := countRows.Scan(&count.ServiceID, &count.ServiceName, &count.ServiceCode, &count.Count); err != nil {
			return store.MonitorSnapshot{}, err
		}
		snapshot.Waiting = append(snapshot.Waiting, count)
	}
	return snapshot, countRows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id::text) > ($1, $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, after.LastEventTime, after.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetOffset(ctx context.Context) (store.Offset, error) {
	var offset store.Offset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM relay_offsets
		WHERE name = $1
	`, relayOffsetName)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Offset{}, nil
		}
		return store.Offset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (name, last_event_time, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET last_event_time = EXCLUDED.last_event_time,
			last_event_id = EXCLUDED.last_event_id
	`, relayOffsetName, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE created_at < $1
	`, before)
	return err
}

func (s *Store) CreateFloor(ctx context.Context, floor models.Floor) (models.Floor, error) {
	if floor.FloorID == "" {
		floor.FloorID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO floors (floor_id, name, level)
		VALUES ($1, $2, $3)
	`, floor.FloorID, floor.Name, floor.Level)
	return floor, err
}

func (s *Store) UpdateFloor(ctx context.Context, floor models.Floor) (models.Floor, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE floors SET name = $2, level = $3 WHERE floor_id = $1
	`, floor.FloorID, floor.Name, floor.Level)
	if err != nil {
		return models.Floor{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Floor{}, store.ErrFloorNotFound
	}
	return floor, nil
}

func (s *Store) DeleteFloor(ctx context.Context, floorID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM floors WHERE floor_id = $1`, floorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrFloorNotFound
	}
	return nil
}

func (s *Store) ListFloors(ctx context.Context) ([]models.Floor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT floor_id, name, level FROM floors ORDER BY level ASC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var floors []models.Floor
	for rows.Next() {
		var floor models.Floor
		if err := rows.Scan(&floor.FloorID, &floor.Name, &floor.Level); err != nil {
			return nil, err
		}
		floors = append(floors, floor)
	}
	return floors, rows.Err()
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	if service.ServiceID == "" {
		service.ServiceID = uuid.NewString()
	}
	if service.StartNumber <= 0 {
		service.StartNumber = 1
	}
	service.LastNumber = service.StartNumber - 1
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, floor_id, name, code, start_number, last_number)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, service.ServiceID, service.FloorID, service.Name, service.Code, service.StartNumber, service.LastNumber)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Service{}, store.ErrFloorNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) UpdateService(ctx context.Context, service models.Service) (models.Service, error) {
	// last_number is deliberately not updatable here; only issuance and the
	// admin resets move it.
	tag, err := s.pool.Exec(ctx, `
		UPDATE services SET name = $2, code = $3 WHERE service_id = $1
	`, service.ServiceID, service.Name, service.Code)
	if err != nil {
		return models.Service{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM services WHERE service_id = $1`, serviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrServiceNotFound
	}
	return nil
}

func (s *Store) ListServices(ctx context.Context, floorID string) ([]models.Service, error) {
	query := `
		SELECT service_id, floor_id, name, code, start_number, last_number
		FROM services
	`
	var args []interface{}
	if floorID != "" {
		query += " WHERE floor_id = $1"
		args = append(args, floorID)
	}
	query += " ORDER BY name ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.FloorID, &svc.Name, &svc.Code, &svc.StartNumber, &svc.LastNumber); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	if counter.CounterID == "" {
		counter.CounterID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, floor_id, name, active)
		VALUES ($1, $2, $3, $4)
	`, counter.CounterID, counter.FloorID, counter.Name, counter.Active)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Counter{}, store.ErrFloorNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE counters SET name = $2, active = $3 WHERE counter_id = $1
	`, counter.CounterID, counter.Name, counter.Active)
	if err != nil {
		return models.Counter{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) DeleteCounter(ctx context.Context, counterID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM counters WHERE counter_id = $1`, counterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context, floorID string) ([]models.Counter, error) {
	query := `
		SELECT counter_id, floor_id, name, active
		FROM counters
	`
	var args []interface{}
	if floorID != "" {
		query += " WHERE floor_id = $1"
		args = append(args, floorID)
	}
	query += " ORDER BY name ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.FloorID, &counter.Name, &counter.Active); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fallback, nil
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// ResetQueues wipes every ticket and winds each service counter back to its
// starting point. Administrative action; monitors resync from the next event.
func (s *Store) ResetQueues(ctx context.Context) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `UPDATE services SET last_number = start_number - 1`); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `TRUNCATE tickets`); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `TRUNCATE ticket_action_requests`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DailyReset drops only non-terminal tickets, keeping served and skipped
// history for reporting. Numbering continues where it left off.
func (s *Store) DailyReset(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tickets WHERE status IN ('waiting', 'called', 'serving')
	`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func formatTicketNumber(code string, number int64) string {
	return fmt.Sprintf("%s-%0*d", code, ticketNumberPad, number)
}

func getTicketView(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+ticketFrom+`
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterIDNull sql.NullString
	var calledAtNull, servedAtNull sql.NullTime
	if err := row.Scan(
		&ticket.TicketID, &ticket.Number, &ticket.FullNumber, &ticket.ServiceID,
		&ticket.FloorID, &counterIDNull, &ticket.Status, &ticket.CreatedAt,
		&calledAtNull, &servedAtNull, &ticket.UpdatedAt,
		&ticket.ServiceName, &ticket.ServiceCode, &ticket.FloorName, &ticket.CounterName,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServedAt = nullTimePtr(servedAtNull)
	return ticket, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+ticketFrom+`
		WHERE t.request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	ticket, err := getTicketView(ctx, tx, ticketID.String)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, ticket_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(ticketID))
	return err
}

// resolveMissing distinguishes "no such ticket" from "wrong state" after a
// guarded update matched nothing.
func resolveMissing(ctx context.Context, tx pgx.Tx, ticketID string) error {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload := map[string]interface{}{
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
	payloadJSON, err := jsonBytes(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
