package domain

import (
	"fmt"
	"time"
)

// EventType discriminates the closed set of push-channel matching events.
type EventType string

const (
	EventDriverFound     EventType = "driver-found"
	EventSearchTimeout   EventType = "search-timeout"
	EventSearchCancelled EventType = "search-cancelled"
)

// Known reports whether t is one of the event types this client understands.
func (t EventType) Known() bool {
	switch t {
	case EventDriverFound, EventSearchTimeout, EventSearchCancelled:
		return true
	default:
		return false
	}
}

// MatchingEvent is a decoded push-channel event. Driver is set only for
// driver-found; Message carries the server detail for timeout and cancel.
type MatchingEvent struct {
	Type      EventType `json:"type"`
	SearchID  string    `json:"searchId"`
	UserID    string    `json:"userId"`
	Driver    *Driver   `json:"driver,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MatchPayload is the backend's nested match shape as it appears both in
// status-poll responses and in driver-found push events.
type MatchPayload struct {
	Driver struct {
		ID        string  `json:"id"`
		FirstName string  `json:"firstName"`
		LastName  string  `json:"lastName"`
		Rating    float64 `json:"rating"`
	} `json:"driver"`
	Vehicle struct {
		Make         string `json:"make"`
		Model        string `json:"model"`
		LicensePlate string `json:"licensePlate"`
		SeatCount    int    `json:"seatCount"`
	} `json:"vehicle"`
	Location struct {
		DistanceKM float64 `json:"distanceKm"`
		ETAMinutes int     `json:"etaMinutes"`
	} `json:"location"`
	Pricing struct {
		EstimatedFare float64 `json:"estimatedFare"`
		Currency      string  `json:"currency"`
	} `json:"pricing"`
	MatchScore float64 `json:"matchScore"`
}

// Normalize flattens the nested backend shape into a Driver. Pure transform.
func (p MatchPayload) Normalize() Driver {
	currency := p.Pricing.Currency
	if currency == "" {
		currency = "USD"
	}
	return Driver{
		ID:         p.Driver.ID,
		FirstName:  p.Driver.FirstName,
		LastName:   p.Driver.LastName,
		Rating:     p.Driver.Rating,
		Vehicle: Vehicle{
			Make:         p.Vehicle.Make,
			Model:        p.Vehicle.Model,
			LicensePlate: p.Vehicle.LicensePlate,
			SeatCount:    p.Vehicle.SeatCount,
		},
		ETAMinutes: p.Location.ETAMinutes,
		Price:      fmt.Sprintf("%.2f %s", p.Pricing.EstimatedFare, currency),
		Distance:   fmt.Sprintf("%.1f km", p.Location.DistanceKM),
		MatchScore: p.MatchScore,
	}
}
