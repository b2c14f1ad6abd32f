package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for migrations and the account directory.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, rider_id, driver_id, pickup, destination, stops, vehicle_type, status,
	price, currency, payment_status, payment_intent_id, payment_link, invoice,
	origin_lat, origin_lon, dest_lat, dest_lon, distance_m, duration_s, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.RiderID, nullString(r.DriverID), r.Pickup, r.Destination, pq.Array(r.Stops),
		string(r.VehicleType), string(r.Status), r.Price, r.Currency, r.PaymentStatus,
		nullString(r.PaymentIntentID), nullString(r.PaymentLink), nullJSON(r.Invoice),
		r.Origin.Lat, r.Origin.Lon, r.DestinationCoord.Lat, r.DestinationCoord.Lon,
		r.DistanceMeters, r.DurationSeconds, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("ride %s already exists: %w", r.ID, apperr.ErrConflict)
	}
	return storeErr("insert ride", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                      models.Ride
		driverID, intent, link sql.NullString
		invoice                []byte
		stops                  []string
		vehicle, status        string
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup, &r.Destination, pq.Array(&stops),
		&vehicle, &status, &r.Price, &r.Currency, &r.PaymentStatus, &intent, &link, &invoice,
		&r.Origin.Lat, &r.Origin.Lon, &r.DestinationCoord.Lat, &r.DestinationCoord.Lon,
		&r.DistanceMeters, &r.DurationSeconds, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentIntentID = intent.String
	r.PaymentLink = link.String
	if len(invoice) > 0 {
		r.Invoice = invoice
	}
	if len(stops) > 0 {
		r.Stops = stops
	}
	r.VehicleType = models.VehicleType(vehicle)
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("select ride", err)
	}
	return r, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, c StatusChange) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND ($5::text = '' OR driver_id = $5::text)`,
		string(c.To), c.At, c.RideID, string(c.From), c.DriverID)
	return affected(res, err, "update ride status")
}

// ClaimRide assigns the driver only while the ride is still unassigned and
// looking for a driver; the guard lives in the WHERE clause.
func (p *PostgresStore) ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NULL`,
		driverID, string(models.StatusArrivingToPickup), at, rideID, string(models.StatusFindingDriver))
	return affected(res, err, "claim ride")
}

func (p *PostgresStore) ApplyPayment(ctx context.Context, u PaymentUpdate) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			status = COALESCE(NULLIF($1::text, ''), status),
			payment_status = payment_status OR $2,
			payment_intent_id = COALESCE(NULLIF($3::text, ''), payment_intent_id),
			invoice = COALESCE($4::jsonb, invoice),
			updated_at = $5
		WHERE id = $6 AND ($1::text = '' OR status = $7::text)`,
		string(u.To), u.Paid, u.PaymentIntentID, nullJSON(u.Invoice), u.At, u.RideID, string(u.From))
	return affected(res, err, "apply payment")
}

func (p *PostgresStore) SetPaymentLink(ctx context.Context, rideID, url string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET payment_link = $1 WHERE id = $2`, url, rideID)
	ok, err := affected(res, err, "set payment link")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, apperr.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) DeleteUnassigned(ctx context.Context, rideID string, cond DeleteCondition) (bool, error) {
	var updatedAt any
	if !cond.UpdatedAt.IsZero() {
		updatedAt = cond.UpdatedAt
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM rides
		WHERE id = $1 AND driver_id IS NULL AND status = $2
		AND ($3::timestamptz IS NULL OR updated_at = $3::timestamptz)`,
		rideID, string(cond.Status), updatedAt)
	return affected(res, err, "delete ride")
}

func (p *PostgresStore) HasActiveRide(ctx context.Context, riderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM rides WHERE rider_id = $1 AND status = ANY($2)
		)`, riderID, pq.Array(activeStatuses())).Scan(&exists)
	if err != nil {
		return false, storeErr("active ride lookup", err)
	}
	return exists, nil
}

func (p *PostgresStore) DriverRide(ctx context.Context, driverID string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND status = ANY($2) ORDER BY updated_at DESC LIMIT 1`,
		driverID, pq.Array([]string{string(models.StatusArrivingToPickup), string(models.StatusDrivingToDestination)})))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no ride in progress for driver %s: %w", driverID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("select driver ride", err)
	}
	return r, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses ...models.RideStatus) ([]*models.Ride, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = ANY($1) ORDER BY created_at`, pq.Array(names))
	if err != nil {
		return nil, storeErr("list rides", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, storeErr("scan ride", err)
		}
		out = append(out, r)
	}
	return out, storeErr("list rides", rows.Err())
}

func (p *PostgresStore) GetOrCreateShare(ctx context.Context, candidate models.ShareLink) (*models.ShareLink, bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO share_links(token, ride_id, created_by, created_at)
		VALUES($1,$2,$3,$4) ON CONFLICT (ride_id, created_by) DO NOTHING`,
		candidate.Token, candidate.RideID, candidate.CreatedBy, candidate.CreatedAt)
	created, err := affected(res, err, "insert share link")
	if err != nil {
		return nil, false, err
	}
	if created {
		return &candidate, true, nil
	}
	var s models.ShareLink
	err = p.db.QueryRowContext(ctx, `SELECT token, ride_id, created_by, created_at FROM share_links
		WHERE ride_id = $1 AND created_by = $2`, candidate.RideID, candidate.CreatedBy).
		Scan(&s.Token, &s.RideID, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		return nil, false, storeErr("select share link", err)
	}
	return &s, false, nil
}

func (p *PostgresStore) ResolveShare(ctx context.Context, token string) (*models.ShareLink, error) {
	var s models.ShareLink
	err := p.db.QueryRowContext(ctx, `SELECT token, ride_id, created_by, created_at FROM share_links WHERE token = $1`, token).
		Scan(&s.Token, &s.RideID, &s.CreatedBy, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("share %s: %w", token, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("select share link", err)
	}
	return &s, nil
}

func activeStatuses() []string {
	var out []string
	for _, s := range models.AllStatuses {
		if s.Active() {
			out = append(out, string(s))
		}
	}
	return out
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(op, err)
	}
	return n == 1, nil
}

// storeErr marks connection-level failures as transient; constraint and
// syntax errors reported by the server are returned as-is.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Transient(op, err)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullJSON(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
