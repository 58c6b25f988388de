package model

// TemplateContext is the read-only projection handed to message templates.
type TemplateContext struct {
	Route        RouteView     `json:"route"`
	Driver       DriverView    `json:"driver"`
	Vehicle      *VehicleView  `json:"vehicle"`
	Bookings     []BookingView `json:"bookings"`
	RouteMapsURL string        `json:"routeMapsUrl"`
	DispatchedAt string        `json:"dispatchedAt"`
}

type RouteView struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Code                 string  `json:"code"`
	Date                 string  `json:"date"`
	PlannedStartTime     string  `json:"plannedStartTime"`
	PlannedEndTime       string  `json:"plannedEndTime"`
	TotalStops           int     `json:"totalStops"`
	TotalDistanceKm      float64 `json:"totalDistanceKm"`
	TotalDurationMinutes int     `json:"totalDurationMinutes"`
}

type DriverView struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
}

type VehicleView struct {
	Name         string `json:"name"`
	LicensePlate string `json:"licensePlate"`
	Make         string `json:"make"`
	Model        string `json:"model"`
}

type BookingView struct {
	StopNumber          int    `json:"stopNumber"`
	ClientName          string `json:"clientName"`
	Address             string `json:"address"`
	ScheduledTime       string `json:"scheduledTime"`
	Services            string `json:"services"`
	SpecialInstructions string `json:"specialInstructions"`
	MapsURL             string `json:"mapsUrl"`
}

// Map exposes the context with the camelCase keys used by the templates.
// A missing vehicle is left out entirely so `{{#if vehicle}}` is false.
func (c *TemplateContext) Map() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	bookings := make([]map[string]any, len(c.Bookings))
	for i, b := range c.Bookings {
		bookings[i] = map[string]any{
			"stopNumber":          b.StopNumber,
			"clientName":          b.ClientName,
			"address":             b.Address,
			"scheduledTime":       b.ScheduledTime,
			"services":            b.Services,
			"specialInstructions": b.SpecialInstructions,
			"mapsUrl":             b.MapsURL,
		}
	}
	m := map[string]any{
		"route": map[string]any{
			"id":                   c.Route.ID,
			"name":                 c.Route.Name,
			"code":                 c.Route.Code,
			"date":                 c.Route.Date,
			"plannedStartTime":     c.Route.PlannedStartTime,
			"plannedEndTime":       c.Route.PlannedEndTime,
			"totalStops":           c.Route.TotalStops,
			"totalDistanceKm":      c.Route.TotalDistanceKm,
			"totalDurationMinutes": c.Route.TotalDurationMinutes,
		},
		"driver": map[string]any{
			"firstName": c.Driver.FirstName,
			"lastName":  c.Driver.LastName,
			"fullName":  c.Driver.FullName,
		},
		"bookings":     bookings,
		"routeMapsUrl": c.RouteMapsURL,
		"dispatchedAt": c.DispatchedAt,
	}
	if c.Vehicle != nil {
		m["vehicle"] = map[string]any{
			"name":         c.Vehicle.Name,
			"licensePlate": c.Vehicle.LicensePlate,
			"make":         c.Vehicle.Make,
			"model":        c.Vehicle.Model,
		}
	}
	return m
}
