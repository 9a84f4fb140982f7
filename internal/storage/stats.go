package storage

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// StatsWindow bounds the "today" and "this week" buckets of DriverStats.
type StatsWindow struct {
	DayStart  time.Time
	WeekStart time.Time
}

// WindowAt returns the window for now: today from local midnight, the week
// from midnight seven days earlier.
func WindowAt(now time.Time) StatsWindow {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return StatsWindow{DayStart: day, WeekStart: day.AddDate(0, 0, -7)}
}

// DriverStats summarizes a driver's rides. Earnings count completed rides
// only; AcceptanceRate is the share of the driver's rides not cancelled, in
// percent, and 100 for a driver with no rides. Rating defaults to 5.
type DriverStats struct {
	TodayEarnings  float64 `json:"today_earnings"`
	TodayRides     int     `json:"today_rides"`
	WeeklyEarnings float64 `json:"weekly_earnings"`
	WeeklyRides    int     `json:"weekly_rides"`
	TotalRides     int     `json:"total_rides"`
	Rating         float64 `json:"rating"`
	AcceptanceRate int     `json:"acceptance_rate"`
}

// statsCounts is the raw aggregate both stores produce.
type statsCounts struct {
	todayEarnings, weeklyEarnings float64
	todayRides, weeklyRides       int
	completed, all, notCancelled  int
	ratingSum                     float64
	ratings                       int
}

func (c statsCounts) stats() DriverStats {
	s := DriverStats{
		TodayEarnings:  round2(c.todayEarnings),
		TodayRides:     c.todayRides,
		WeeklyEarnings: round2(c.weeklyEarnings),
		WeeklyRides:    c.weeklyRides,
		TotalRides:     c.completed,
		Rating:         5.0,
		AcceptanceRate: 100,
	}
	if c.ratings > 0 {
		s.Rating = round2(c.ratingSum / float64(c.ratings))
	}
	if c.all > 0 {
		s.AcceptanceRate = int(math.Round(float64(c.notCancelled) * 100 / float64(c.all)))
	}
	return s
}

// AggregateDriverStats computes DriverStats over rides already filtered to one driver.
func AggregateDriverStats(rides []*models.Ride, w StatsWindow) DriverStats {
	var c statsCounts
	for _, r := range rides {
		c.all++
		if r.Status != models.StatusCancelled {
			c.notCancelled++
		}
		if r.Status != models.StatusCompleted {
			continue
		}
		c.completed++
		if at := r.Timeline.CompletedAt; at != nil {
			if !at.Before(w.DayStart) {
				c.todayRides++
				c.todayEarnings += r.Fare.Total
			}
			if !at.Before(w.WeekStart) {
				c.weeklyRides++
				c.weeklyEarnings += r.Fare.Total
			}
		}
		if r.Ratings.DriverRating != nil {
			c.ratings++
			c.ratingSum += float64(*r.Ratings.DriverRating)
		}
	}
	return c.stats()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
