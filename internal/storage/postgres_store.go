package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	uniqueViolation   = "23505"
	activeDriverIndex = "jobs_active_driver_idx"
)

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

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const jobColumns = `id, requester_id, type, pickup_lat, pickup_lon, dest_lat, dest_lon, region, priority,
	status, driver_id, fare_cents, payment_ref, version, created_at, assigned_at, updated_at`

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.ID, j.RequesterID, string(j.Type), j.Pickup.Lat, j.Pickup.Lon, j.Destination.Lat, j.Destination.Lon,
		j.Region, string(j.Priority), string(j.Status), j.DriverID, j.FareCents, j.PaymentRef, j.Version,
		j.CreatedAt, j.AssignedAt, j.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateJob
	}
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// Claim commits both conditional updates in one transaction. The driver row
// is taken first: a driver that is already busy matches no row and the job is
// never touched, so losing a driver to another job surfaces as
// ErrDriverUnavailable rather than a constraint violation. Every claim locks
// presence before the job, so concurrent claims cannot deadlock each other.
func (p *PostgresStore) Claim(ctx context.Context, jobID, driverID string, at time.Time) (*models.Job, error) {
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE driver_presence
			SET available = false, current_job_id = $1
			WHERE driver_id = $2 AND available = true`, jobID, driverID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			// a job that is gone or settled outranks a busy driver
			if err := claimBlocker(ctx, tx, jobID); err != nil {
				return err
			}
			return ErrDriverUnavailable
		}

		res, err = tx.ExecContext(ctx, `UPDATE jobs
			SET driver_id = $1, status = $2, assigned_at = $3, updated_at = $3, version = version + 1
			WHERE id = $4 AND driver_id IS NULL AND status = $5`,
			driverID, string(models.StatusDriverAssigned), at, jobID, string(models.StatusPending))
		if isActiveDriverConflict(err) {
			return ErrDriverUnavailable
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			if err := claimBlocker(ctx, tx, jobID); err != nil {
				return err
			}
			// the row changed between our update and this read
			return ErrJobTaken
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetJob(ctx, jobID)
}

// isActiveDriverConflict matches a violation of jobs_active_driver_idx, which
// only happens if presence and jobs disagree about who holds the driver.
func isActiveDriverConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == activeDriverIndex
}

// claimBlocker reads the job inside tx and reports why it cannot be claimed,
// or nil when it still can.
func claimBlocker(ctx context.Context, tx *sql.Tx, jobID string) error {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return err
	}
	return claimConflict(j)
}

func (p *PostgresStore) Transition(ctx context.Context, jobID, driverID string, from, to models.JobStatus, at time.Time) (*models.Job, error) {
	if !models.CanTransition(from, to) || to == models.StatusPending || to.Terminal() {
		return nil, ErrInvalidTransition
	}
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND driver_id = $4 AND status = $5`,
		string(to), at, jobID, driverID, string(from))
	if err != nil {
		return nil, err
	}
	if err := p.expectOne(ctx, res, jobID); err != nil {
		return nil, err
	}
	return p.GetJob(ctx, jobID)
}

func (p *PostgresStore) Conclude(ctx context.Context, jobID string, to models.JobStatus, at time.Time) (*models.Job, error) {
	if !to.Terminal() {
		return nil, ErrInvalidTransition
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		var driverID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, driver_id FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &driverID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if !models.CanTransition(models.JobStatus(status), to) {
			return ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = $1, updated_at = $2, version = version + 1
			WHERE id = $3 AND status = $4`, string(to), at, jobID, status); err != nil {
			return err
		}
		if driverID.Valid {
			return releaseDriver(ctx, tx, driverID.String, jobID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetJob(ctx, jobID)
}

func (p *PostgresStore) Unassign(ctx context.Context, jobID, driverID string, at time.Time) (*models.Job, error) {
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs
			SET driver_id = NULL, assigned_at = NULL, status = $1, updated_at = $2, version = version + 1
			WHERE id = $3 AND driver_id = $4 AND status = $5`,
			string(models.StatusPending), at, jobID, driverID, string(models.StatusDriverAssigned))
		if err != nil {
			return err
		}
		if err := p.expectOne(ctx, res, jobID); err != nil {
			return err
		}
		return releaseDriver(ctx, tx, driverID, jobID)
	})
	if err != nil {
		return nil, err
	}
	return p.GetJob(ctx, jobID)
}

// releaseDriver only touches the driver while it still holds jobID.
func releaseDriver(ctx context.Context, tx *sql.Tx, driverID, jobID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE driver_presence SET available = true, current_job_id = NULL
		WHERE driver_id = $1 AND current_job_id = $2 AND available = false`, driverID, jobID)
	return err
}

func (p *PostgresStore) expectOne(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) ListPendingUnassigned(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND driver_id IS NULL
		ORDER BY created_at DESC LIMIT $2`, string(models.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertPresence(ctx context.Context, hb models.Heartbeat, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_presence(driver_id, lat, lon, region, online, available, last_heartbeat, device_token)
		VALUES($1,$2,$3,$4,$5,true,$6,$7)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			region = EXCLUDED.region,
			online = EXCLUDED.online,
			last_heartbeat = EXCLUDED.last_heartbeat,
			device_token = COALESCE(NULLIF(EXCLUDED.device_token, ''), driver_presence.device_token)`,
		hb.DriverID, hb.Loc.Lat, hb.Loc.Lon, hb.Region, hb.Online, at, hb.DeviceToken)
	return err
}

const presenceSelect = `SELECT p.driver_id, p.lat, p.lon, p.region, p.online, p.available, p.last_heartbeat,
		p.current_job_id, p.device_token,
		COALESCE(f.rating, 0), COALESCE(f.completed_jobs, 0), COALESCE(f.active, false), COALESCE(f.vehicle_class, '')
	FROM driver_presence p
	LEFT JOIN driver_profiles f ON f.driver_id = p.driver_id`

func (p *PostgresStore) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	d, err := scanPresence(p.db.QueryRowContext(ctx, presenceSelect+` WHERE p.driver_id = $1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	return d, err
}

// EligibleDrivers narrows by latitude band in SQL and orders by an
// equirectangular distance estimate before the limit, so the rows kept are the
// nearest ones. Longitude (which may wrap), the exact radius and the remaining
// predicates are rechecked in Go.
func (p *PostgresStore) EligibleDrivers(ctx context.Context, q CandidateQuery) ([]models.DriverPresence, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, presenceSelect+`
		WHERE p.online AND p.available AND f.active
		  AND p.last_heartbeat >= $1
		  AND f.rating >= $2
		  AND p.lat BETWEEN $3 AND $4
		  AND ($5 = '' OR p.region = '' OR p.region = $5)
		ORDER BY (p.lat - $6) ^ 2 + (LEAST(ABS(p.lon - $7), 360 - ABS(p.lon - $7)) * $8) ^ 2, p.driver_id
		LIMIT $9`,
		q.FreshSince, q.MinRating, q.Box.MinLat, q.Box.MaxLat, q.Region,
		q.Center.Lat, q.Center.Lon, math.Cos(q.Center.Lat*math.Pi/180), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DriverPresence
	for rows.Next() {
		d, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		if q.matches(d) {
			out = append(out, *d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.nearest(out), nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e models.Event) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO dispatch_events(id, type, job_id, driver_id, job_type, region, priority, latency_ms, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, string(e.Type), e.JobID, e.DriverID, string(e.JobType), e.Region, string(e.Priority), e.Latency.Milliseconds(), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func (p *PostgresStore) EventsSince(ctx context.Context, since time.Time) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, type, job_id, driver_id, job_type, region, priority, latency_ms, occurred_at
		FROM dispatch_events WHERE occurred_at >= $1 ORDER BY occurred_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		var typ, jobType, priority string
		var latencyMs int64
		if err := rows.Scan(&e.ID, &typ, &e.JobID, &e.DriverID, &jobType, &e.Region, &priority, &latencyMs, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = models.EventType(typ)
		e.JobType = models.JobType(jobType)
		e.Priority = models.Priority(priority)
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var typ, priority, status string
	var driverID, paymentRef sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&j.ID, &j.RequesterID, &typ, &j.Pickup.Lat, &j.Pickup.Lon, &j.Destination.Lat, &j.Destination.Lon,
		&j.Region, &priority, &status, &driverID, &j.FareCents, &paymentRef, &j.Version, &j.CreatedAt, &assignedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Type = models.JobType(typ)
	j.Priority = models.Priority(priority)
	j.Status = models.JobStatus(status)
	if driverID.Valid {
		j.DriverID = &driverID.String
	}
	if paymentRef.Valid {
		j.PaymentRef = &paymentRef.String
	}
	if assignedAt.Valid {
		j.AssignedAt = &assignedAt.Time
	}
	return &j, nil
}

func scanPresence(row scanner) (*models.DriverPresence, error) {
	var d models.DriverPresence
	var currentJob sql.NullString
	err := row.Scan(&d.DriverID, &d.Loc.Lat, &d.Loc.Lon, &d.Region, &d.Online, &d.Available, &d.LastHeartbeat,
		&currentJob, &d.DeviceToken,
		&d.Profile.Rating, &d.Profile.CompletedJobs, &d.Profile.Active, &d.Profile.VehicleClass)
	if err != nil {
		return nil, err
	}
	if currentJob.Valid {
		d.CurrentJobID = &currentJob.String
	}
	return &d, nil
}
