package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"antrian/queue-service/internal/models"
	"antrian/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
}

type createTicketRequest struct {
	RequestID string `json:"request_id"`
	ServiceID string `json:"service_id"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
}

type ticketActionRequest struct {
	RequestID string `json:"request_id"`
	CounterID string `json:"counter_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/active", h.handleActiveTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterByID)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/monitor", h.handleMonitor)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/floors", h.handleFloors)
	mux.HandleFunc("/api/floors/", h.handleFloorByID)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/", h.handleServiceByID)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/admin/reset", h.handleReset)
	mux.HandleFunc("/api/admin/daily-reset", h.handleDailyReset)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.RequestID == "" || req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and service_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.ServiceID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and service_id must be UUIDs")
		return
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID: req.RequestID,
		ServiceID: req.ServiceID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}
	ticket, _, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	var req ticketActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.CounterID != "" && !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID when provided")
		return
	}

	input := store.TicketActionInput{
		RequestID:  req.RequestID,
		TicketID:   ticketID,
		CounterID:  req.CounterID,
		OccurredAt: time.Now().UTC(),
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "recall":
		ticket, _, err = h.store.RecallTicket(r.Context(), input)
	case "start":
		ticket, _, err = h.store.StartServing(r.Context(), input)
	case "serve":
		ticket, _, err = h.store.ServeTicket(r.Context(), input)
	case "skip":
		// The skip mode is read once per request so a mid-flight settings
		// change cannot split one skip across two policies.
		var mode string
		mode, err = h.store.GetSetting(r.Context(), store.SettingSkipHandling, string(store.SkipDiscard))
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, req.RequestID, status, code, msg)
			return
		}
		input.Mode = store.ParseSkipMode(mode)
		ticket, _, err = h.store.SkipTicket(r.Context(), input)
	case "cancel":
		ticket, _, err = h.store.CancelTicket(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCounterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleCounterItem(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "call-next":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCallNext(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, counterID string) {
	if !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID: req.RequestID,
		CounterID: counterID,
		CalledAt:  time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTicket) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no tickets waiting")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if counterID == "" || !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	ticket, found, err := h.store.GetActiveTicket(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	floorID := strings.TrimSpace(r.URL.Query().Get("floor_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	if floorID == "" || !isValidUUID(floorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID")
		return
	}
	if serviceID != "" && !isValidUUID(serviceID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "service_id must be a UUID when provided")
		return
	}

	tickets, err := h.store.ListQueue(r.Context(), floorID, serviceID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	floorID := strings.TrimSpace(r.URL.Query().Get("floor_id"))
	if floorID == "" || !isValidUUID(floorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID")
		return
	}

	snapshot, err := h.store.MonitorSnapshot(r.Context(), floorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after store.Offset
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		after.LastEventTime = parsed
	}
	if afterID := strings.TrimSpace(r.URL.Query().Get("after_id")); afterID != "" {
		if !isValidUUID(afterID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after_id must be a UUID")
			return
		}
		after.LastEventID = afterID
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		mode, err := h.store.GetSetting(r.Context(), store.SettingSkipHandling, string(store.SkipDiscard))
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{store.SettingSkipHandling: mode})
	case http.MethodPut:
		var payload struct {
			SkipHandling string `json:"skip_handling"`
		}
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		mode := store.SkipMode(strings.TrimSpace(payload.SkipHandling))
		if !mode.Valid() {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "skip_handling must be discard, requeue_back, requeue_after_first, or requeue_after_second")
			return
		}
		if err := h.store.SetSetting(r.Context(), store.SettingSkipHandling, string(mode)); err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{store.SettingSkipHandling: string(mode)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.store.ResetQueues(r.Context()); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	removed, err := h.store.DailyReset(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrFloorNotFound):
		return http.StatusNotFound, "floor_not_found", "floor not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "operation conflicted, retry the request"
	case errors.Is(err, store.ErrInvalidSetting):
		return http.StatusBadRequest, "invalid_setting", "setting value is not allowed"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
