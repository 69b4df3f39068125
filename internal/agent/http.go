// Package agent exposes the search orchestrator over a small local HTTP
// surface so on-device UI layers can drive searches without linking Go code.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/matchclient/internal/search/api"
	"github.com/example/matchclient/internal/search/domain"
)

// Service is the slice of the orchestrator the HTTP surface needs.
type Service interface {
	Start(ctx context.Context, params api.StartParams) (domain.SearchState, error)
	State() domain.SearchState
	Cancel(ctx context.Context) error
	ConfirmDriver(ctx context.Context, driverID, notes string) (api.ConfirmResult, error)
	Retry(ctx context.Context) (domain.SearchState, error)
}

// HTTP routes search operations to the orchestrator.
type HTTP struct {
	svc Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/search", h.startSearch)
	r.Get("/v1/search/state", h.searchState)
	r.Post("/v1/search/cancel", h.cancelSearch)
	r.Post("/v1/search/confirm", h.confirmDriver)
	r.Post("/v1/search/retry", h.retrySearch)
	return r
}

// stateResponse is the wire shape of a state snapshot. timeRemaining is in
// whole seconds, matching the backend's own envelopes; time.Duration would
// leak nanosecond counts to external consumers.
type stateResponse struct {
	SearchID      string         `json:"searchId,omitempty"`
	Status        domain.Status  `json:"status"`
	MatchedDriver *domain.Driver `json:"matchedDriver,omitempty"`
	TimeRemaining int            `json:"timeRemaining"`
	Error         string         `json:"error,omitempty"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
}

func toStateResponse(s domain.SearchState) stateResponse {
	resp := stateResponse{
		SearchID:      s.SearchID,
		Status:        s.Status,
		MatchedDriver: s.MatchedDriver,
		TimeRemaining: int(s.TimeRemaining / time.Second),
		Error:         s.Err,
	}
	if !s.StartTime.IsZero() {
		start := s.StartTime
		resp.StartTime = &start
	}
	return resp
}

func (h *HTTP) startSearch(w http.ResponseWriter, r *http.Request) {
	var params api.StartParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, err := h.svc.Start(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStateResponse(state))
}

func (h *HTTP) searchState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(h.svc.State()))
}

func (h *HTTP) cancelSearch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(h.svc.State()))
}

type confirmRequest struct {
	DriverID string `json:"driverId"`
	Notes    string `json:"notes"`
}

func (h *HTTP) confirmDriver(w http.ResponseWriter, r *http.Request) {
	var payload confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.DriverID == "" {
		http.Error(w, "driverId is required", http.StatusBadRequest)
		return
	}
	result, err := h.svc.ConfirmDriver(r.Context(), payload.DriverID, payload.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTP) retrySearch(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Retry(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStateResponse(state))
}

func writeError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	var transport *domain.TransportError
	switch {
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNoActiveSearch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &transport):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
