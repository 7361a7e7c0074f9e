// Package repository reads the vehicle registry from Postgres. Registry only:
// position history is never persisted here.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tracker-monitor/internal/tracking/domain"
)

type VehicleRepo struct {
	pool *pgxpool.Pool
}

func NewVehicleRepo(pool *pgxpool.Pool) *VehicleRepo {
	return &VehicleRepo{pool: pool}
}

// ListVehicles returns the registry in stable creation order, which doubles
// as the display order.
func (repo *VehicleRepo) ListVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	rows, err := repo.pool.Query(ctx, `
		SELECT id, display_name, COALESCE(driver, ''), device_id, COALESCE(status, 'inactive')
		FROM vehicles
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	var out []domain.Vehicle
	for rows.Next() {
		var v domain.Vehicle
		var deviceID *string
		if err := rows.Scan(&v.ID, &v.DisplayName, &v.Driver, &deviceID, &v.Status); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		if deviceID != nil {
			v.DeviceID = *deviceID
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicles: %w", err)
	}
	return out, nil
}

var _ domain.FleetSource = (*VehicleRepo)(nil)
