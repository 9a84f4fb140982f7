package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore keeps the full ride snapshot as JSONB next to the columns
// used for lookups. Schema: migrations/001_create_rides.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Save(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO rides (id, rider_id, driver_id, assigned_driver_id, status, created_at, updated_at, doc)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	assigned_driver_id = EXCLUDED.assigned_driver_id,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`,
		r.ID, r.RiderID, r.DriverID, assignedDriver(r), string(r.Status), r.CreatedAt, r.UpdatedAt, doc)
	return err
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) FindActiveForUser(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	active := pq.Array([]string{
		string(models.StatusRequested), string(models.StatusAccepted), string(models.StatusArriving),
		string(models.StatusArrived), string(models.StatusInProgress),
	})
	row := p.db.QueryRowContext(ctx,
		`SELECT doc FROM rides WHERE `+userColumn(role)+` = $1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
		userID, active)
	return scanRide(row)
}

func (p *PostgresStore) ListHistory(ctx context.Context, userID string, role models.Role, f HistoryFilter) (HistoryPage, error) {
	f = f.Normalize()
	where := userColumn(role) + ` = $1 AND ($2 = '' OR status = $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM rides WHERE `+where, userID, string(f.Status)).Scan(&total); err != nil {
		return HistoryPage{}, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM rides WHERE `+where+` ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`,
		userID, string(f.Status), f.Limit, f.offset())
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()
	var rides []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		rides = append(rides, r)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}
	return newPage(f, total, rides), nil
}

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string, w StatsWindow) (DriverStats, error) {
	var c statsCounts
	var ratingSum sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
WITH r AS (
	SELECT status,
		(doc->'fare'->>'total')::float8 AS total,
		(doc->'timeline'->>'completed_at')::timestamptz AS completed_at,
		(doc->'ratings'->>'driver_rating')::float8 AS rating
	FROM rides WHERE assigned_driver_id = $1
)
SELECT
	COALESCE(sum(total) FILTER (WHERE status = 'completed' AND completed_at >= $2), 0),
	count(*) FILTER (WHERE status = 'completed' AND completed_at >= $2),
	COALESCE(sum(total) FILTER (WHERE status = 'completed' AND completed_at >= $3), 0),
	count(*) FILTER (WHERE status = 'completed' AND completed_at >= $3),
	count(*) FILTER (WHERE status = 'completed'),
	count(*),
	count(*) FILTER (WHERE status <> 'cancelled'),
	sum(rating) FILTER (WHERE status = 'completed'),
	count(rating) FILTER (WHERE status = 'completed')
FROM r`, driverID, w.DayStart, w.WeekStart).Scan(
		&c.todayEarnings, &c.todayRides,
		&c.weeklyEarnings, &c.weeklyRides,
		&c.completed, &c.all, &c.notCancelled,
		&ratingSum, &c.ratings,
	)
	if err != nil {
		return DriverStats{}, err
	}
	c.ratingSum = ratingSum.Float64
	return c.stats(), nil
}

// userColumn only ever returns one of two fixed identifiers.
func userColumn(role models.Role) string {
	if role == models.RoleDriver {
		return "assigned_driver_id"
	}
	return "rider_id"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var doc []byte
	if err := s.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride: %w", err)
	}
	return &r, nil
}
