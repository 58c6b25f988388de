package repository

import (
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/lib/pq"
)

type DispatchEntity struct {
	pg.Model
	RouteID           string         `gorm:"column:route_id;type:uuid;not null;index"`
	DriverID          string         `gorm:"column:driver_id;type:uuid;not null;index"`
	Status            string         `gorm:"column:status;not null;default:pending;index"`
	RequestedChannels pq.StringArray `gorm:"column:requested_channels;type:text[];not null"`
	Metadata          pg.JSONMap     `gorm:"column:metadata"`
	AcknowledgedAt    *time.Time     `gorm:"column:acknowledged_at"`
}

func (DispatchEntity) TableName() string {
	return "dispatches"
}

func toDispatchEntity(d *model.Dispatch) *DispatchEntity {
	if d == nil {
		return nil
	}
	channels := make(pq.StringArray, len(d.RequestedChannels))
	for i, c := range d.RequestedChannels {
		channels[i] = string(c)
	}
	e := &DispatchEntity{
		RouteID:           d.RouteID,
		DriverID:          d.DriverID,
		Status:            string(d.Status),
		RequestedChannels: channels,
		AcknowledgedAt:    d.AcknowledgedAt,
	}
	if d.Metadata != nil {
		e.Metadata = pg.JSONMap(d.Metadata)
	}
	e.ID = parseID(d.ID)
	e.CreatedAt = d.CreatedAt
	e.UpdatedAt = d.UpdatedAt
	return e
}

func toDispatchModel(e *DispatchEntity) *model.Dispatch {
	if e == nil {
		return nil
	}
	channels := make([]model.Channel, len(e.RequestedChannels))
	for i, c := range e.RequestedChannels {
		channels[i] = model.Channel(c)
	}
	d := &model.Dispatch{
		ID:                e.ID.String(),
		RouteID:           e.RouteID,
		DriverID:          e.DriverID,
		Status:            model.DispatchStatus(e.Status),
		RequestedChannels: channels,
		AcknowledgedAt:    e.AcknowledgedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.Metadata != nil {
		d.Metadata = map[string]any(e.Metadata)
	}
	return d
}

func toDispatchModels(entities []*DispatchEntity) []*model.Dispatch {
	models := make([]*model.Dispatch, len(entities))
	for i, e := range entities {
		models[i] = toDispatchModel(e)
	}
	return models
}
