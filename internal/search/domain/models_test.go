package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/matchclient/internal/search/domain"
)

func TestFingerprintRoundsCoordinates(t *testing.T) {
	a := domain.NewFingerprint(4.609712, -74.081749, 1, 2, 5)
	b := domain.NewFingerprint(4.609748, -74.081706, 1, 2, 5)
	require.Equal(t, a, b)
	require.Equal(t, a.Key(), b.Key())

	c := domain.NewFingerprint(4.6099, -74.0817, 1, 2, 5)
	require.NotEqual(t, a.Key(), c.Key())
}

func TestFingerprintDistinguishesTierAndVehicle(t *testing.T) {
	base := domain.NewFingerprint(4.61, -74.08, 1, 2, 5)
	require.NotEqual(t, base.Key(), domain.NewFingerprint(4.61, -74.08, 2, 2, 5).Key())
	require.NotEqual(t, base.Key(), domain.NewFingerprint(4.61, -74.08, 1, 3, 5).Key())
	require.NotEqual(t, base.Key(), domain.NewFingerprint(4.61, -74.08, 1, 2, 10).Key())
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, domain.StatusIdle.CanTransitionTo(domain.StatusSearching))
	require.True(t, domain.StatusSearching.CanTransitionTo(domain.StatusFound))
	require.True(t, domain.StatusSearching.CanTransitionTo(domain.StatusTimeout))
	require.True(t, domain.StatusSearching.CanTransitionTo(domain.StatusCancelled))
	require.True(t, domain.StatusFound.CanTransitionTo(domain.StatusIdle))

	require.False(t, domain.StatusFound.CanTransitionTo(domain.StatusTimeout))
	require.False(t, domain.StatusTimeout.CanTransitionTo(domain.StatusFound))
	require.False(t, domain.StatusIdle.CanTransitionTo(domain.StatusFound))
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, domain.StatusFound.Terminal())
	require.True(t, domain.StatusTimeout.Terminal())
	require.True(t, domain.StatusCancelled.Terminal())
	require.False(t, domain.StatusIdle.Terminal())
	require.False(t, domain.StatusSearching.Terminal())
}

func TestMatchPayloadNormalize(t *testing.T) {
	var p domain.MatchPayload
	p.Driver.ID = "d-42"
	p.Driver.FirstName = "Ana"
	p.Driver.LastName = "Ruiz"
	p.Driver.Rating = 4.8
	p.Vehicle.Make = "Kia"
	p.Vehicle.Model = "Rio"
	p.Vehicle.LicensePlate = "ABC123"
	p.Vehicle.SeatCount = 4
	p.Location.DistanceKM = 1.24
	p.Location.ETAMinutes = 3
	p.Pricing.EstimatedFare = 12.5
	p.Pricing.Currency = "COP"
	p.MatchScore = 0.93

	d := p.Normalize()
	require.Equal(t, "d-42", d.ID)
	require.Equal(t, "12.50 COP", d.Price)
	require.Equal(t, "1.2 km", d.Distance)
	require.Equal(t, 3, d.ETAMinutes)
	require.Equal(t, 0.93, d.MatchScore)
	require.Equal(t, "ABC123", d.Vehicle.LicensePlate)
}

func TestMatchPayloadNormalizeDefaultsCurrency(t *testing.T) {
	var p domain.MatchPayload
	p.Pricing.EstimatedFare = 7
	require.Equal(t, "7.00 USD", p.Normalize().Price)
}
