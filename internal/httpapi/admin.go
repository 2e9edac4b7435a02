package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"antrian/queue-service/internal/models"
)

type floorRequest struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type serviceRequest struct {
	FloorID     string `json:"floor_id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	StartNumber int64  `json:"start_number"`
}

type counterRequest struct {
	FloorID string `json:"floor_id"`
	Name    string `json:"name"`
	Active  *bool  `json:"active"`
}

func (h *Handler) handleFloors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		floors, err := h.store.ListFloors(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if floors == nil {
			floors = []models.Floor{}
		}
		writeJSON(w, http.StatusOK, floors)
	case http.MethodPost:
		req, ok := decodeFloor(w, r)
		if !ok {
			return
		}
		floor, err := h.store.CreateFloor(r.Context(), models.Floor{Name: req.Name, Level: req.Level})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, floor)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleFloorByID(w http.ResponseWriter, r *http.Request) {
	floorID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/floors/"), "/")
	if !isValidUUID(floorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodPut:
		req, ok := decodeFloor(w, r)
		if !ok {
			return
		}
		floor, err := h.store.UpdateFloor(r.Context(), models.Floor{FloorID: floorID, Name: req.Name, Level: req.Level})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, floor)
	case http.MethodDelete:
		if err := h.store.DeleteFloor(r.Context(), floorID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeFloor(w http.ResponseWriter, r *http.Request) (floorRequest, bool) {
	var req floorRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return floorRequest{}, false
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "name is required")
		return floorRequest{}, false
	}
	if req.Level <= 0 {
		req.Level = 1
	}
	return req, true
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		floorID := strings.TrimSpace(r.URL.Query().Get("floor_id"))
		if floorID != "" && !isValidUUID(floorID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID when provided")
			return
		}
		services, err := h.store.ListServices(r.Context(), floorID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if services == nil {
			services = []models.Service{}
		}
		writeJSON(w, http.StatusOK, services)
	case http.MethodPost:
		req, ok := decodeService(w, r, true)
		if !ok {
			return
		}
		service, err := h.store.CreateService(r.Context(), models.Service{
			FloorID:     req.FloorID,
			Name:        req.Name,
			Code:        req.Code,
			StartNumber: req.StartNumber,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, service)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleServiceByID(w http.ResponseWriter, r *http.Request) {
	serviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	if !isValidUUID(serviceID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "service_id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodPut:
		req, ok := decodeService(w, r, false)
		if !ok {
			return
		}
		service, err := h.store.UpdateService(r.Context(), models.Service{
			ServiceID: serviceID,
			Name:      req.Name,
			Code:      req.Code,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, service)
	case http.MethodDelete:
		if err := h.store.DeleteService(r.Context(), serviceID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeService(w http.ResponseWriter, r *http.Request, needFloor bool) (serviceRequest, bool) {
	var req serviceRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return serviceRequest{}, false
	}
	req.FloorID = strings.TrimSpace(req.FloorID)
	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.TrimSpace(strings.ToUpper(req.Code))
	if req.Name == "" || req.Code == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "name and code are required")
		return serviceRequest{}, false
	}
	if needFloor {
		if req.FloorID == "" || !isValidUUID(req.FloorID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID")
			return serviceRequest{}, false
		}
	}
	return req, true
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		floorID := strings.TrimSpace(r.URL.Query().Get("floor_id"))
		if floorID != "" && !isValidUUID(floorID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID when provided")
			return
		}
		counters, err := h.store.ListCounters(r.Context(), floorID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		if counters == nil {
			counters = []models.Counter{}
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		req, ok := decodeCounter(w, r, true)
		if !ok {
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		counter, err := h.store.CreateCounter(r.Context(), models.Counter{
			FloorID: req.FloorID,
			Name:    req.Name,
			Active:  active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, counter)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCounterItem(w http.ResponseWriter, r *http.Request, counterID string) {
	if !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	switch r.Method {
	case http.MethodPut:
		req, ok := decodeCounter(w, r, false)
		if !ok {
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		counter, err := h.store.UpdateCounter(r.Context(), models.Counter{
			CounterID: counterID,
			Name:      req.Name,
			Active:    active,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counter)
	case http.MethodDelete:
		if err := h.store.DeleteCounter(r.Context(), counterID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeCounter(w http.ResponseWriter, r *http.Request, needFloor bool) (counterRequest, bool) {
	var req counterRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return counterRequest{}, false
	}
	req.FloorID = strings.TrimSpace(req.FloorID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "name is required")
		return counterRequest{}, false
	}
	if needFloor {
		if req.FloorID == "" || !isValidUUID(req.FloorID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "floor_id must be a UUID")
			return counterRequest{}, false
		}
	}
	return req, true
}
