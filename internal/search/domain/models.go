package domain

import (
	"fmt"
	"math"
	"time"
)

// Status tracks the consumer-visible lifecycle of one search.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusSearching Status = "SEARCHING"
	StatusFound     Status = "FOUND"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

var allowedTransitions = map[Status][]Status{
	StatusIdle:      {StatusSearching},
	StatusSearching: {StatusFound, StatusTimeout, StatusCancelled, StatusIdle},
	StatusFound:     {StatusIdle},
	StatusTimeout:   {StatusIdle},
	StatusCancelled: {StatusIdle},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a search. A terminal status can
// only be left by resetting back to idle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFound, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Fingerprint is the derived cache key identifying "the same search".
// Coordinates are rounded to four decimals (roughly 11 meters) so requests
// issued from the same spot while the device GPS drifts still collide.
// Immutable once computed.
type Fingerprint struct {
	Lat           float64
	Lng           float64
	TierID        int
	VehicleTypeID int
	RadiusKM      float64
}

// NewFingerprint rounds the coordinates and freezes the key fields.
func NewFingerprint(lat, lng float64, tierID, vehicleTypeID int, radiusKM float64) Fingerprint {
	return Fingerprint{
		Lat:           round4(lat),
		Lng:           round4(lng),
		TierID:        tierID,
		VehicleTypeID: vehicleTypeID,
		RadiusKM:      radiusKM,
	}
}

// Key renders the fingerprint as a stable string usable as a map or Redis key.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%.4f|%.4f|%d|%d|%g", f.Lat, f.Lng, f.TierID, f.VehicleTypeID, f.RadiusKM)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Vehicle describes the matched driver's car.
type Vehicle struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	LicensePlate string `json:"licensePlate"`
	SeatCount    int    `json:"seatCount"`
}

// Driver is the normalized view of a backend match. It has no lifecycle of
// its own; it is always derived from a MatchPayload.
type Driver struct {
	ID         string  `json:"id"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Rating     float64 `json:"rating"`
	Vehicle    Vehicle `json:"vehicle"`
	ETAMinutes int     `json:"etaMinutes"`
	Price      string  `json:"price"`
	Distance   string  `json:"distance"`
	MatchScore float64 `json:"matchScore"`
}

// SearchState is the only entity the consuming layer reads. The orchestrator
// owns it; consumers receive copies and must not mutate them.
type SearchState struct {
	SearchID      string        `json:"searchId,omitempty"`
	Status        Status        `json:"status"`
	MatchedDriver *Driver       `json:"matchedDriver,omitempty"`
	TimeRemaining time.Duration `json:"timeRemaining"`
	Err           string        `json:"error,omitempty"`
	StartTime     time.Time     `json:"startTime,omitempty"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
