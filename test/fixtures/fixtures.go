package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/repository"
)

var RouteDate = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// Fleet is one route with its driver, vehicle and stops, ready to insert.
type Fleet struct {
	Route    *repository.RouteEntity
	Driver   *repository.DriverEntity
	Vehicle  *repository.VehicleEntity
	Bookings []*repository.BookingEntity
}

type DriverOption func(*repository.DriverEntity)

func WithTelegram(chatID string) DriverOption {
	return func(d *repository.DriverEntity) { d.TelegramChatID = ptr(chatID) }
}

func WithEmail(email string) DriverOption {
	return func(d *repository.DriverEntity) { d.Email = ptr(email) }
}

func WithPreferred(ch model.Channel) DriverOption {
	return func(d *repository.DriverEntity) { d.PreferredChannel = ptr(string(ch)) }
}

func WithFallback(enabled bool) DriverOption {
	return func(d *repository.DriverEntity) { d.FallbackEnabled = enabled }
}

func NewDriver(opts ...DriverOption) *repository.DriverEntity {
	d := &repository.DriverEntity{
		ID:        uuid.NewString(),
		FirstName: "Ana",
		LastName:  "Silva",
		Status:    string(model.DriverStatusActive),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewFleet builds a two-stop route assigned to driver.
func NewFleet(driver *repository.DriverEntity) *Fleet {
	vehicle := &repository.VehicleEntity{
		ID:           uuid.NewString(),
		Name:         "Truck 7",
		LicensePlate: ptr("FLT-007"),
		Make:         ptr("Ford"),
		Model:        ptr("Transit"),
	}
	route := &repository.RouteEntity{
		ID:                   uuid.NewString(),
		RouteName:            "North Loop",
		RouteCode:            ptr("NL-1"),
		RouteDate:            RouteDate,
		PlannedStartTime:     ptr("08:00:00"),
		PlannedEndTime:       ptr("12:30:00"),
		TotalStops:           2,
		TotalDistanceKm:      ptr(42.5),
		TotalDurationMinutes: ptr(270),
		VehicleID:            &vehicle.ID,
		AssignedTo:           &driver.ID,
	}
	return &Fleet{
		Route:   route,
		Driver:  driver,
		Vehicle: vehicle,
		Bookings: []*repository.BookingEntity{
			{
				ID: uuid.NewString(), RouteID: route.ID, StopNumber: 1,
				ClientName: "Acme Bakery", Address: "1 Main St",
				Latitude: ptr(40.7128), Longitude: ptr(-74.006),
				ScheduledTime: ptr("08:30"), Services: ptr("Delivery"),
			},
			{
				ID: uuid.NewString(), RouteID: route.ID, StopNumber: 2,
				ClientName: "Blue Cafe", Address: "22 Harbor Rd",
				SpecialInstructions: ptr("Use rear entrance"),
			},
		},
	}
}

func NewDispatchRequest(f *Fleet, channels ...model.Channel) model.DispatchRequest {
	return model.DispatchRequest{
		RouteID:  f.Route.ID,
		DriverID: f.Driver.ID,
		Channels: channels,
		Metadata: map[string]any{"source": "e2e"},
	}
}
