// Package accounts provides read-only lookups of rider and driver accounts.
// Account CRUD lives elsewhere; the dispatch core only needs eligibility data.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Directory interface {
	DriverByID(ctx context.Context, id string) (*models.DriverAccount, error)
	RiderByID(ctx context.Context, id string) (*models.RiderAccount, error)
}

type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverAccount
	riders  map[string]models.RiderAccount
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		drivers: make(map[string]models.DriverAccount),
		riders:  make(map[string]models.RiderAccount),
	}
}

func (d *MemoryDirectory) PutDriver(a models.DriverAccount) {
	d.mu.Lock()
	d.drivers[a.ID] = a
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutRider(a models.RiderAccount) {
	d.mu.Lock()
	d.riders[a.ID] = a
	d.mu.Unlock()
}

func (d *MemoryDirectory) DriverByID(_ context.Context, id string) (*models.DriverAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	return &a, nil
}

func (d *MemoryDirectory) RiderByID(_ context.Context, id string) (*models.RiderAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.riders[id]
	if !ok {
		return nil, fmt.Errorf("rider %s: %w", id, apperr.ErrNotFound)
	}
	return &a, nil
}

// PostgresDirectory reads the drivers and riders tables owned by the account service.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) DriverByID(ctx context.Context, id string) (*models.DriverAccount, error) {
	var (
		a       models.DriverAccount
		vehicle sql.NullString
		status  string
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, vehicle_type, profile_complete, account_status FROM drivers WHERE id = $1`, id).
		Scan(&a.ID, &vehicle, &a.ProfileComplete, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient("select driver", err)
	}
	a.VehicleType = models.VehicleType(vehicle.String)
	a.Status = models.AccountStatus(status)
	return &a, nil
}

func (d *PostgresDirectory) RiderByID(ctx context.Context, id string) (*models.RiderAccount, error) {
	var (
		a      models.RiderAccount
		status string
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, email, account_status FROM riders WHERE id = $1`, id).
		Scan(&a.ID, &a.Email, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rider %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient("select rider", err)
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}
