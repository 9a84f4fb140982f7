package realtime

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type NewRideRequest struct {
	RideID      string             `json:"ride_id"`
	Pickup      models.Place       `json:"pickup"`
	Dropoff     models.Place       `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type"`
	Fare        models.Fare        `json:"fare"`
	DistanceKm  float64            `json:"distance_km"`
	DurationMin int                `json:"duration_min"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

type RideAccepted struct {
	Ride *models.Ride `json:"ride"`
}

type RideOfferExpired struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

type DriverLocation struct {
	DriverID  string       `json:"driver_id"`
	RideID    string       `json:"ride_id,omitempty"`
	Location  models.Coord `json:"location"`
	Timestamp time.Time    `json:"timestamp"`
}

type RideStatusUpdated struct {
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
	Ride   *models.Ride      `json:"ride"`
}

type RideCancelled struct {
	RideID      string             `json:"ride_id"`
	CancelledBy models.CancelledBy `json:"cancelled_by"`
	Reason      string             `json:"reason,omitempty"`
}

type NoDriversResponded struct {
	RideID string `json:"ride_id"`
}

// ErrorMessage answers an inbound command that failed.
type ErrorMessage struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
