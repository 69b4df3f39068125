// Package api implements the stateless REST client for the backend matching
// service: start, status, cancel, and confirm. It keeps no state between
// calls; network I/O is its only side effect.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/domain"
)

const defaultTimeout = 10 * time.Second

// Client talks to the matching backend over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Config configures the REST client.
type Config struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		logger:  logger,
	}
}

// StartParams carries the search criteria for a new matching request.
type StartParams struct {
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	TierID        int     `json:"tierId"`
	VehicleTypeID int     `json:"vehicleTypeId,omitempty"`
	RadiusKM      float64 `json:"radiusKm,omitempty"`
	MaxWaitTime   int     `json:"maxWaitTime,omitempty"`
	Priority      string  `json:"priority,omitempty"`
}

// StartResult is the accepted-search envelope.
type StartResult struct {
	SearchID      string
	Status        string
	TimeRemaining time.Duration
	CreatedAt     time.Time
}

// StatusResult is one poll of an in-flight search.
type StatusResult struct {
	SearchID      string
	Status        string
	Message       string
	MatchedDriver *domain.Driver
	TimeRemaining time.Duration
	EstimatedWait time.Duration
}

// CancelResult reports the backend's view of a cancellation.
type CancelResult struct {
	Success bool
	Message string
}

// ConfirmParams carries the driver confirmation request.
type ConfirmParams struct {
	DriverID string `json:"driverId"`
	Notes    string `json:"notes,omitempty"`
}

// ConfirmResult is the confirmed-ride envelope.
type ConfirmResult struct {
	RideID           string
	DriverID         string
	Status           string
	NotificationSent bool
	ResponseTimeout  time.Duration
}

type startEnvelope struct {
	SearchID      string `json:"searchId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	TimeRemaining int    `json:"timeRemaining"`
	CreatedAt     string `json:"createdAt"`
}

type statusEnvelope struct {
	SearchID      string               `json:"searchId"`
	Status        string               `json:"status"`
	Message       string               `json:"message"`
	MatchedDriver *domain.MatchPayload `json:"matchedDriver"`
	TimeRemaining int                  `json:"timeRemaining"`
	EstimatedWait int                  `json:"estimatedWaitTime"`
}

type cancelEnvelope struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	SearchID string `json:"searchId"`
}

type confirmEnvelope struct {
	RideID           string `json:"rideId"`
	DriverID         string `json:"driverId"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	NotificationSent bool   `json:"notificationSent"`
	ResponseTimeout  int    `json:"responseTimeoutMinutes"`
}

// Start submits a new matching search.
func (c *Client) Start(ctx context.Context, params StartParams) (StartResult, error) {
	const op = "start-search"
	var env startEnvelope
	if err := c.post(ctx, op, "/start-search", params, &env); err != nil {
		return StartResult{}, err
	}
	if env.SearchID == "" {
		return StartResult{}, &domain.UnexpectedResponseError{Op: op, Detail: "missing searchId"}
	}
	createdAt, _ := time.Parse(time.RFC3339, env.CreatedAt)
	return StartResult{
		SearchID:      env.SearchID,
		Status:        env.Status,
		TimeRemaining: time.Duration(env.TimeRemaining) * time.Second,
		CreatedAt:     createdAt,
	}, nil
}

// Status polls for the search outcome. A matched driver, when present, is
// normalized from the backend's nested shape.
func (c *Client) Status(ctx context.Context, searchID string) (StatusResult, error) {
	const op = "search-status"
	var env statusEnvelope
	if err := c.get(ctx, op, "/search-status/"+searchID, &env); err != nil {
		return StatusResult{}, err
	}
	if env.SearchID == "" || env.Status == "" {
		return StatusResult{}, &domain.UnexpectedResponseError{Op: op, Detail: "missing searchId or status"}
	}
	result := StatusResult{
		SearchID:      env.SearchID,
		Status:        env.Status,
		Message:       env.Message,
		TimeRemaining: time.Duration(env.TimeRemaining) * time.Second,
		EstimatedWait: time.Duration(env.EstimatedWait) * time.Second,
	}
	if env.MatchedDriver != nil {
		driver := env.MatchedDriver.Normalize()
		result.MatchedDriver = &driver
	}
	return result, nil
}

// Cancel asks the backend to stop a search. The call just forwards the
// backend result; idempotency is the caller's concern.
func (c *Client) Cancel(ctx context.Context, searchID string) (CancelResult, error) {
	const op = "cancel-search"
	body := map[string]string{"searchId": searchID}
	var env cancelEnvelope
	if err := c.post(ctx, op, "/cancel-search", body, &env); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Success: env.Success, Message: env.Message}, nil
}

// Confirm accepts the matched driver and books the ride.
func (c *Client) Confirm(ctx context.Context, searchID string, params ConfirmParams) (ConfirmResult, error) {
	const op = "confirm-driver"
	body := struct {
		SearchID string `json:"searchId"`
		ConfirmParams
	}{SearchID: searchID, ConfirmParams: params}
	var env confirmEnvelope
	if err := c.post(ctx, op, "/confirm-driver", body, &env); err != nil {
		return ConfirmResult{}, err
	}
	if env.RideID == "" {
		return ConfirmResult{}, &domain.UnexpectedResponseError{Op: op, Detail: "missing rideId"}
	}
	return ConfirmResult{
		RideID:           env.RideID,
		DriverID:         env.DriverID,
		Status:           env.Status,
		NotificationSent: env.NotificationSent,
		ResponseTimeout:  time.Duration(env.ResponseTimeout) * time.Minute,
	}, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("backend returned %s", resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.UnexpectedResponseError{Op: op, Detail: "malformed body: " + err.Error()}
	}
	return nil
}
