package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is an address with its coordinates.
type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coordinates"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusArriving   RideStatus = "arriving"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasDriver reports whether a ride in status s must carry a driver.
func (s RideStatus) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusArriving, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func ParseRideStatus(v string) (RideStatus, bool) {
	s := RideStatus(v)
	switch s {
	case StatusRequested, StatusAccepted, StatusArriving, StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, true
	}
	return "", false
}

type VehicleType string

const (
	VehicleEconomy  VehicleType = "economy"
	VehicleStandard VehicleType = "standard"
	VehiclePremium  VehicleType = "premium"
	VehicleXL       VehicleType = "xl"
)

var VehicleTypes = []VehicleType{VehicleEconomy, VehicleStandard, VehiclePremium, VehicleXL}

func (v VehicleType) Valid() bool {
	for _, t := range VehicleTypes {
		if t == v {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentCash || p == PaymentCard || p == PaymentWallet
}

// Role selects which side of a ride a user is on.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

type CancelledBy string

const (
	CancelledByRider  CancelledBy = "rider"
	CancelledByDriver CancelledBy = "driver"
	CancelledBySystem CancelledBy = "system"
)

func (c CancelledBy) Valid() bool {
	return c == CancelledByRider || c == CancelledByDriver || c == CancelledBySystem
}

type Fare struct {
	Base            float64 `json:"base"`
	Distance        float64 `json:"distance"`
	Total           float64 `json:"total"`
	Currency        string  `json:"currency"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
}

// Timeline fields are set at most once, in status order.
type Timeline struct {
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt  *time.Time `json:"arriving_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Stamps returns the set timeline fields in status order.
func (t Timeline) Stamps() []time.Time {
	out := make([]time.Time, 0, 7)
	for _, p := range []*time.Time{t.RequestedAt, t.AcceptedAt, t.ArrivingAt, t.ArrivedAt, t.StartedAt, t.CompletedAt, t.CancelledAt} {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

type Cancellation struct {
	By       CancelledBy `json:"cancelled_by"`
	Reason   string      `json:"reason,omitempty"`
	DriverID string      `json:"driver_id,omitempty"` // driver assigned at cancel time
}

type Ratings struct {
	RiderRating    *int   `json:"rider_rating,omitempty"`
	DriverRating   *int   `json:"driver_rating,omitempty"`
	RiderFeedback  string `json:"rider_feedback,omitempty"`
	DriverFeedback string `json:"driver_feedback,omitempty"`
}

type Ride struct {
	ID                string        `json:"id"`
	RiderID           string        `json:"rider_id"`
	DriverID          string        `json:"driver_id,omitempty"`
	Status            RideStatus    `json:"status"`
	VehicleType       VehicleType   `json:"vehicle_type"`
	PaymentMethod     PaymentMethod `json:"payment_method"`
	Pickup            Place         `json:"pickup"`
	Dropoff           Place         `json:"dropoff"`
	DistanceKm        float64       `json:"distance_km"`
	EstimatedDuration int           `json:"estimated_duration_min"`
	RouteEstimated    bool          `json:"route_estimated,omitempty"`
	Fare              Fare          `json:"fare"`
	Timeline          Timeline      `json:"timeline"`
	Cancellation      *Cancellation `json:"cancellation,omitempty"`
	Ratings           Ratings       `json:"ratings"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias live state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Timeline = Timeline{
		RequestedAt: cloneTime(r.Timeline.RequestedAt),
		AcceptedAt:  cloneTime(r.Timeline.AcceptedAt),
		ArrivingAt:  cloneTime(r.Timeline.ArrivingAt),
		ArrivedAt:   cloneTime(r.Timeline.ArrivedAt),
		StartedAt:   cloneTime(r.Timeline.StartedAt),
		CompletedAt: cloneTime(r.Timeline.CompletedAt),
		CancelledAt: cloneTime(r.Timeline.CancelledAt),
	}
	if r.Cancellation != nil {
		cc := *r.Cancellation
		c.Cancellation = &cc
	}
	c.Ratings.RiderRating = cloneInt(r.Ratings.RiderRating)
	c.Ratings.DriverRating = cloneInt(r.Ratings.DriverRating)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverAvailability struct {
	DriverID          string    `json:"driver_id"`
	Online            bool      `json:"online"`
	Busy              bool      `json:"busy"`
	LastKnownLocation *Location `json:"last_known_location,omitempty"`
	CurrentRideID     string    `json:"current_ride_id,omitempty"`
}

// Candidate is a driver eligible for a pickup, with its proximity distance.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	DistanceMeters float64 `json:"distance_meters"`
}
