package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
)

const onlineSetKey = "drivers:online"

// RedisDirectory keeps last known positions in a GEO set, availability flags
// in a per-driver hash and online ids in a plain set.
type RedisDirectory struct {
	client  *redis.Client
	geoKey  string
	timeout time.Duration
}

func NewRedisDirectory(client *redis.Client, geoKey string, timeout time.Duration) *RedisDirectory {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisDirectory{client: client, geoKey: geoKey, timeout: timeout}
}

func (r *RedisDirectory) Ping(ctx context.Context) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return wrapTimeout(r.client.Ping(ctx).Err())
}

func (r *RedisDirectory) PersistAvailability(ctx context.Context, s models.DriverAvailability) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(s.DriverID), map[string]interface{}{
			"online":          strconv.FormatBool(s.Online),
			"busy":            strconv.FormatBool(s.Busy),
			"current_ride_id": s.CurrentRideID,
			"updated":         time.Now().UTC().Format(time.RFC3339Nano),
		})
		if s.Online {
			pipe.SAdd(ctx, onlineSetKey, s.DriverID)
		} else {
			pipe.SRem(ctx, onlineSetKey, s.DriverID)
		}
		if l := s.LastKnownLocation; l != nil {
			addLocation(ctx, pipe, r.geoKey, s.DriverID, *l)
		}
		return nil
	})
	return wrapTimeout(err)
}

// UpdateLocation writes only the position of a driver.
func (r *RedisDirectory) UpdateLocation(ctx context.Context, driverID string, l models.Location) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		addLocation(ctx, pipe, r.geoKey, driverID, l)
		return nil
	})
	return wrapTimeout(err)
}

func (r *RedisDirectory) GetDriverLocation(ctx context.Context, driverID string) (*models.Location, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil {
		return nil, wrapTimeout(err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, nil
	}
	loc := &models.Location{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	ts, err := r.client.HGet(ctx, metaKey(driverID), "location_ts").Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, wrapTimeout(err)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			loc.Timestamp = t
		}
	}
	return loc, nil
}

func (r *RedisDirectory) ListOnlineDriverIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	ids, err := r.client.SMembers(ctx, onlineSetKey).Result()
	return ids, wrapTimeout(err)
}

func (r *RedisDirectory) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return retry.Bounded(ctx, r.timeout)
}

func addLocation(ctx context.Context, pipe redis.Pipeliner, geoKey, driverID string, l models.Location) {
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: l.Lng, Latitude: l.Lat, Name: driverID})
	pipe.HSet(ctx, metaKey(driverID), "location_ts", l.Timestamp.UTC().Format(time.RFC3339Nano))
}

func wrapTimeout(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCollaboratorTimeout, err)
	}
	return err
}

func metaKey(id string) string { return "driver:meta:" + id }
