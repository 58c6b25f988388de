package repository

import (
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
)

// Fleet tables belong to the planning system; this service only reads them.

type RouteEntity struct {
	ID                   string     `gorm:"primaryKey;type:uuid;column:id"`
	RouteName            string     `gorm:"column:route_name;not null"`
	RouteCode            *string    `gorm:"column:route_code"`
	RouteDate            time.Time  `gorm:"column:route_date;type:date;not null"`
	PlannedStartTime     *string    `gorm:"column:planned_start_time;type:time"`
	PlannedEndTime       *string    `gorm:"column:planned_end_time;type:time"`
	TotalStops           int        `gorm:"column:total_stops;not null;default:0"`
	TotalDistanceKm      *float64   `gorm:"column:total_distance_km"`
	TotalDurationMinutes *int       `gorm:"column:total_duration_minutes"`
	VehicleID            *string    `gorm:"column:vehicle_id;type:uuid"`
	AssignedTo           *string    `gorm:"column:assigned_to;type:uuid"`
	DeletedAt            *time.Time `gorm:"column:deleted_at"`
}

func (RouteEntity) TableName() string {
	return "routes"
}

type DriverEntity struct {
	ID               string     `gorm:"primaryKey;type:uuid;column:id"`
	FirstName        string     `gorm:"column:first_name;not null"`
	LastName         string     `gorm:"column:last_name;not null"`
	Email            *string    `gorm:"column:email"`
	TelegramChatID   *string    `gorm:"column:telegram_chat_id"`
	PreferredChannel *string    `gorm:"column:preferred_channel"`
	FallbackEnabled  bool       `gorm:"column:fallback_enabled;not null"`
	Status           string     `gorm:"column:status;not null;default:active"`
	DeletedAt        *time.Time `gorm:"column:deleted_at"`
}

func (DriverEntity) TableName() string {
	return "drivers"
}

type VehicleEntity struct {
	ID           string     `gorm:"primaryKey;type:uuid;column:id"`
	Name         string     `gorm:"column:name;not null"`
	LicensePlate *string    `gorm:"column:license_plate"`
	Make         *string    `gorm:"column:make"`
	Model        *string    `gorm:"column:model"`
	DeletedAt    *time.Time `gorm:"column:deleted_at"`
}

func (VehicleEntity) TableName() string {
	return "vehicles"
}

type BookingEntity struct {
	ID                  string     `gorm:"primaryKey;type:uuid;column:id"`
	RouteID             string     `gorm:"column:route_id;type:uuid;not null;index"`
	StopNumber          int        `gorm:"column:stop_number;not null"`
	ClientName          string     `gorm:"column:client_name;not null"`
	Address             string     `gorm:"column:address;not null"`
	Latitude            *float64   `gorm:"column:latitude"`
	Longitude           *float64   `gorm:"column:longitude"`
	MapsURL             *string    `gorm:"column:maps_url"`
	ScheduledTime       *string    `gorm:"column:scheduled_time"`
	Services            *string    `gorm:"column:services"`
	SpecialInstructions *string    `gorm:"column:special_instructions"`
	DeletedAt           *time.Time `gorm:"column:deleted_at"`
}

func (BookingEntity) TableName() string {
	return "bookings"
}

func toRouteModel(e *RouteEntity) *model.Route {
	return &model.Route{
		ID:                   e.ID,
		Name:                 e.RouteName,
		Code:                 e.RouteCode,
		Date:                 e.RouteDate.Format("2006-01-02"),
		PlannedStartTime:     e.PlannedStartTime,
		PlannedEndTime:       e.PlannedEndTime,
		TotalStops:           e.TotalStops,
		TotalDistanceKm:      e.TotalDistanceKm,
		TotalDurationMinutes: e.TotalDurationMinutes,
		VehicleID:            e.VehicleID,
		DriverID:             e.AssignedTo,
	}
}

func toDriverModel(e *DriverEntity) *model.Driver {
	d := &model.Driver{
		ID:              e.ID,
		FirstName:       e.FirstName,
		LastName:        e.LastName,
		Email:           e.Email,
		TelegramChatID:  e.TelegramChatID,
		FallbackEnabled: e.FallbackEnabled,
		Status:          model.DriverStatus(e.Status),
	}
	if e.PreferredChannel != nil {
		if ch, ok := model.ParseChannel(*e.PreferredChannel); ok {
			d.PreferredChannel = &ch
		}
	}
	return d
}

func toVehicleModel(e *VehicleEntity) *model.Vehicle {
	return &model.Vehicle{
		ID:           e.ID,
		Name:         e.Name,
		LicensePlate: e.LicensePlate,
		Make:         e.Make,
		Model:        e.Model,
	}
}

func toBookingModel(e *BookingEntity) *model.Booking {
	return &model.Booking{
		ID:                  e.ID,
		RouteID:             e.RouteID,
		StopNumber:          e.StopNumber,
		ClientName:          e.ClientName,
		Address:             e.Address,
		Latitude:            e.Latitude,
		Longitude:           e.Longitude,
		MapsURL:             e.MapsURL,
		ScheduledTime:       e.ScheduledTime,
		Services:            e.Services,
		SpecialInstructions: e.SpecialInstructions,
	}
}
