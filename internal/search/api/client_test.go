package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/matchclient/internal/search/api"
	"github.com/example/matchclient/internal/search/domain"
)

func newClient(url string) *api.Client {
	return api.NewClient(api.Config{BaseURL: url, Token: "test-token"})
}

func TestStartSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/start-search", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"searchId":"s-1","status":"searching","timeRemaining":300,"createdAt":"2024-05-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Start(context.Background(), api.StartParams{Lat: 4.61, Lng: -74.08, TierID: 1})
	require.NoError(t, err)
	require.Equal(t, "s-1", result.SearchID)
	require.Equal(t, 5*time.Minute, result.TimeRemaining)
	require.Equal(t, 2024, result.CreatedAt.Year())
}

func TestStartMissingEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"searching"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Start(context.Background(), api.StartParams{Lat: 1, Lng: 1, TierID: 1})
	var unexpected *domain.UnexpectedResponseError
	require.ErrorAs(t, err, &unexpected)
}

func TestStartTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newClient(srv.URL).Start(context.Background(), api.StartParams{Lat: 1, Lng: 1, TierID: 1})
	var transport *domain.TransportError
	require.ErrorAs(t, err, &transport)
}

func TestStartBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Start(context.Background(), api.StartParams{Lat: 1, Lng: 1, TierID: 1})
	var transport *domain.TransportError
	require.ErrorAs(t, err, &transport)
}

func TestStatusNormalizesDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search-status/s-1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"searchId":"s-1","status":"found","timeRemaining":120,
			"matchedDriver":{
				"driver":{"id":"d-9","firstName":"Ana","lastName":"Ruiz","rating":4.9},
				"vehicle":{"make":"Kia","model":"Rio","licensePlate":"XYZ987","seatCount":4},
				"location":{"distanceKm":0.8,"etaMinutes":2},
				"pricing":{"estimatedFare":9.5,"currency":"COP"},
				"matchScore":0.88
			}
		}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Status(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, "found", result.Status)
	require.NotNil(t, result.MatchedDriver)
	require.Equal(t, "d-9", result.MatchedDriver.ID)
	require.Equal(t, "9.50 COP", result.MatchedDriver.Price)
	require.Equal(t, "0.8 km", result.MatchedDriver.Distance)
	require.Equal(t, 2*time.Minute, result.TimeRemaining)
}

func TestStatusWithoutDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"searchId":"s-1","status":"searching","timeRemaining":40,"estimatedWaitTime":25}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Status(context.Background(), "s-1")
	require.NoError(t, err)
	require.Nil(t, result.MatchedDriver)
	require.Equal(t, 25*time.Second, result.EstimatedWait)
}

func TestCancelForwardsBackendResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cancel-search", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"message":"cancelled","searchId":"s-1"}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Cancel(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "cancelled", result.Message)
}

func TestConfirmSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/confirm-driver", r.URL.Path)
		_, _ = w.Write([]byte(`{"rideId":"r-7","driverId":"d-9","status":"confirmed","notificationSent":true,"responseTimeoutMinutes":5}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Confirm(context.Background(), "s-1", api.ConfirmParams{DriverID: "d-9"})
	require.NoError(t, err)
	require.Equal(t, "r-7", result.RideID)
	require.True(t, result.NotificationSent)
	require.Equal(t, 5*time.Minute, result.ResponseTimeout)
}

func TestConfirmMissingRideID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"confirmed"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Confirm(context.Background(), "s-1", api.ConfirmParams{DriverID: "d-9"})
	var unexpected *domain.UnexpectedResponseError
	require.True(t, errors.As(err, &unexpected))
}
