package templates

import (
	"strings"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
)

const DefaultAppBaseURL = "https://fleetillo.com"

const dispatchedAtLayout = "2006-01-02T15:04:05.000Z"

// BuildTemplateContext flattens the fleet entities into the view the templates see.
// A nil dispatchedAt means now.
func BuildTemplateContext(route *model.Route, driver *model.Driver, vehicle *model.Vehicle, bookings []*model.Booking, dispatchedAt *time.Time, baseURL string) *model.TemplateContext {
	if route == nil {
		route = &model.Route{}
	}
	if driver == nil {
		driver = &model.Driver{}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAppBaseURL
	}
	at := time.Now()
	if dispatchedAt != nil {
		at = *dispatchedAt
	}

	ctx := &model.TemplateContext{
		Route: model.RouteView{
			ID:                   route.ID,
			Name:                 route.Name,
			Code:                 deref(route.Code),
			Date:                 route.Date,
			PlannedStartTime:     deref(route.PlannedStartTime),
			PlannedEndTime:       deref(route.PlannedEndTime),
			TotalStops:           route.TotalStops,
			TotalDistanceKm:      derefFloat(route.TotalDistanceKm),
			TotalDurationMinutes: derefInt(route.TotalDurationMinutes),
		},
		Driver: model.DriverView{
			FirstName: driver.FirstName,
			LastName:  driver.LastName,
			FullName:  strings.TrimSpace(driver.FirstName + " " + driver.LastName),
		},
		Bookings:     make([]model.BookingView, 0, len(bookings)),
		RouteMapsURL: strings.TrimRight(baseURL, "/") + "/routes.html?routeId=" + route.ID,
		DispatchedAt: at.UTC().Format(dispatchedAtLayout),
	}

	if vehicle != nil {
		ctx.Vehicle = &model.VehicleView{
			Name:         vehicle.Name,
			LicensePlate: deref(vehicle.LicensePlate),
			Make:         deref(vehicle.Make),
			Model:        deref(vehicle.Model),
		}
	}

	for _, b := range bookings {
		if b == nil {
			continue
		}
		ctx.Bookings = append(ctx.Bookings, model.BookingView{
			StopNumber:          b.StopNumber,
			ClientName:          b.ClientName,
			Address:             b.Address,
			ScheduledTime:       deref(b.ScheduledTime),
			Services:            deref(b.Services),
			SpecialInstructions: deref(b.SpecialInstructions),
			MapsURL:             deref(b.MapsURL),
		})
	}
	return ctx
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
