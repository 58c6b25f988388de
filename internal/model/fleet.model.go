package model

import "strings"

type DriverStatus string

const (
	DriverStatusActive   DriverStatus = "active"
	DriverStatusInactive DriverStatus = "inactive"
)

// Route is the planned route a driver is being dispatched for.
type Route struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Code                 *string  `json:"code,omitempty"`
	Date                 string   `json:"date"`
	PlannedStartTime     *string  `json:"planned_start_time,omitempty"`
	PlannedEndTime       *string  `json:"planned_end_time,omitempty"`
	TotalStops           int      `json:"total_stops"`
	TotalDistanceKm      *float64 `json:"total_distance_km,omitempty"`
	TotalDurationMinutes *int     `json:"total_duration_minutes,omitempty"`
	VehicleID            *string  `json:"vehicle_id,omitempty"`
	DriverID             *string  `json:"driver_id,omitempty"`
}

type Driver struct {
	ID               string       `json:"id"`
	FirstName        string       `json:"first_name"`
	LastName         string       `json:"last_name"`
	Email            *string      `json:"email,omitempty"`
	TelegramChatID   *string      `json:"telegram_chat_id,omitempty"`
	PreferredChannel *Channel     `json:"preferred_channel,omitempty"`
	FallbackEnabled  bool         `json:"fallback_enabled"`
	Status           DriverStatus `json:"status"`
}

// ContactFor returns the trimmed contact value for channel, "" when absent.
func (d *Driver) ContactFor(channel Channel) string {
	if d == nil {
		return ""
	}
	var v *string
	switch channel {
	case ChannelTelegram:
		v = d.TelegramChatID
	case ChannelEmail:
		v = d.Email
	}
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

type Vehicle struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	LicensePlate *string `json:"license_plate,omitempty"`
	Make         *string `json:"make,omitempty"`
	Model        *string `json:"model,omitempty"`
}

type Booking struct {
	ID                  string   `json:"id"`
	RouteID             string   `json:"route_id"`
	StopNumber          int      `json:"stop_number"`
	ClientName          string   `json:"client_name"`
	Address             string   `json:"address"`
	Latitude            *float64 `json:"latitude,omitempty"`
	Longitude           *float64 `json:"longitude,omitempty"`
	MapsURL             *string  `json:"maps_url,omitempty"`
	ScheduledTime       *string  `json:"scheduled_time,omitempty"`
	Services            *string  `json:"services,omitempty"`
	SpecialInstructions *string  `json:"special_instructions,omitempty"`
}
