package repository

import (
	"context"
	"errors"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FleetRepository looks up routes, drivers, vehicles and bookings.
// Soft-deleted rows are treated as missing.
type FleetRepository struct {
	*pg.DB
}

func NewFleetRepository(db *pg.DB) *FleetRepository {
	return &FleetRepository{
		db,
	}
}

func (r *FleetRepository) GetRoute(ctx context.Context, id string) (*model.Route, error) {
	var e RouteEntity
	if err := r.first(ctx, &e, id, "get route"); err != nil {
		return nil, err
	}
	return toRouteModel(&e), nil
}

func (r *FleetRepository) GetDriver(ctx context.Context, id string) (*model.Driver, error) {
	var e DriverEntity
	if err := r.first(ctx, &e, id, "get driver"); err != nil {
		return nil, err
	}
	return toDriverModel(&e), nil
}

func (r *FleetRepository) GetVehicle(ctx context.Context, id string) (*model.Vehicle, error) {
	var e VehicleEntity
	if err := r.first(ctx, &e, id, "get vehicle"); err != nil {
		return nil, err
	}
	return toVehicleModel(&e), nil
}

// GetBookingsByRoute returns the route's stops ordered by stop number.
func (r *FleetRepository) GetBookingsByRoute(ctx context.Context, routeID string) ([]*model.Booking, error) {
	if _, err := uuid.Parse(routeID); err != nil {
		return []*model.Booking{}, nil
	}

	var entities []*BookingEntity
	err := r.Read(ctx).
		Where("route_id = ? AND deleted_at IS NULL", routeID).
		Order("stop_number ASC").
		Find(&entities).Error
	if err != nil {
		logger.Error("failed to fetch bookings", "route_id", routeID, "error", err)
		return nil, newError(CodeQueryFailed, "get bookings", err)
	}

	bookings := make([]*model.Booking, len(entities))
	for i, e := range entities {
		bookings[i] = toBookingModel(e)
	}
	return bookings, nil
}

func (r *FleetRepository) first(ctx context.Context, dest any, id, op string) error {
	if _, err := uuid.Parse(id); err != nil {
		return newError(CodeNotFound, op, nil)
	}

	err := r.Read(ctx).Where("id = ? AND deleted_at IS NULL", id).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newError(CodeNotFound, op, nil)
	}
	if err != nil {
		logger.Error("fleet lookup failed", "op", op, "id", id, "error", err)
		return newError(CodeQueryFailed, op, err)
	}
	return nil
}
