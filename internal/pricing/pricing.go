// Package pricing computes fare estimates. total =
// max(minimum[type], (base + km*perKm[type]) * surge), rounded to the
// currency's minor unit.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownVehicleType = errors.New("unknown vehicle type")
	ErrInvalidDistance    = errors.New("distance must be a non-negative number")
	ErrInvalidSurge       = errors.New("surge multiplier must be a positive number")
)

// minorUnits is the number of decimal places per ISO currency.
var minorUnits = map[string]int{
	"INR": 2,
	"USD": 2,
	"EUR": 2,
	"JPY": 0,
	"KRW": 0,
}

type Rates struct {
	BaseFare float64
	PerKm    map[models.VehicleType]float64
	Minimum  map[models.VehicleType]float64
	Currency string
}

func DefaultRates() Rates {
	return Rates{
		BaseFare: 50,
		PerKm: map[models.VehicleType]float64{
			models.VehicleEconomy:  10,
			models.VehicleStandard: 15,
			models.VehiclePremium:  25,
			models.VehicleXL:       20,
		},
		Minimum: map[models.VehicleType]float64{
			models.VehicleEconomy:  50,
			models.VehicleStandard: 80,
			models.VehiclePremium:  150,
			models.VehicleXL:       120,
		},
		Currency: "INR",
	}
}

// Engine is safe for concurrent use. The surge multiplier is the only
// mutable state and is owned by the engine instance.
type Engine struct {
	rates Rates
	scale float64
	surge atomic.Uint64
}

func NewEngine(rates Rates, surge float64) (*Engine, error) {
	if rates.Currency == "" {
		rates.Currency = "INR"
	}
	digits, ok := minorUnits[rates.Currency]
	if !ok {
		digits = 2
	}
	e := &Engine{rates: rates, scale: math.Pow10(digits)}
	if err := e.SetSurgeMultiplier(surge); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Estimate(vt models.VehicleType, distanceKm float64) (models.Fare, error) {
	perKm, ok := e.rates.PerKm[vt]
	if !ok {
		return models.Fare{}, fmt.Errorf("%w: %q", ErrUnknownVehicleType, vt)
	}
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return models.Fare{}, ErrInvalidDistance
	}
	surge := e.SurgeMultiplier()
	distanceFare := distanceKm * perKm
	total := math.Max(e.rates.Minimum[vt], (e.rates.BaseFare+distanceFare)*surge)
	return models.Fare{
		Base:            e.round(e.rates.BaseFare),
		Distance:        e.round(distanceFare),
		Total:           e.round(total),
		Currency:        e.rates.Currency,
		SurgeMultiplier: surge,
	}, nil
}

func (e *Engine) MinimumFare(vt models.VehicleType) float64 { return e.rates.Minimum[vt] }

func (e *Engine) SurgeMultiplier() float64 {
	return math.Float64frombits(e.surge.Load())
}

func (e *Engine) SetSurgeMultiplier(m float64) error {
	if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		return ErrInvalidSurge
	}
	e.surge.Store(math.Float64bits(m))
	return nil
}

func (e *Engine) round(v float64) float64 {
	return math.Round(v*e.scale) / e.scale
}
