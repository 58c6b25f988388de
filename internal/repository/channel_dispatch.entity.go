package repository

import (
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/google/uuid"
)

type ChannelDispatchEntity struct {
	pg.Model
	DispatchID        uuid.UUID  `gorm:"column:dispatch_id;type:uuid;not null;index"`
	Channel           string     `gorm:"column:channel;not null"`
	Status            string     `gorm:"column:status;not null;default:pending"`
	IsFallback        bool       `gorm:"column:is_fallback;not null;default:false"`
	ProviderMessageID *string    `gorm:"column:provider_message_id"`
	ErrorMessage      *string    `gorm:"column:error_message"`
	SentAt            *time.Time `gorm:"column:sent_at"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
}

func (ChannelDispatchEntity) TableName() string {
	return "channel_dispatches"
}

func toChannelDispatchEntity(c *model.ChannelDispatch) *ChannelDispatchEntity {
	if c == nil {
		return nil
	}
	e := &ChannelDispatchEntity{
		DispatchID:        parseID(c.DispatchID),
		Channel:           string(c.Channel),
		Status:            string(c.Status),
		IsFallback:        c.IsFallback,
		ProviderMessageID: c.ProviderMessageID,
		ErrorMessage:      c.ErrorMessage,
		SentAt:            c.SentAt,
		DeliveredAt:       c.DeliveredAt,
	}
	e.ID = parseID(c.ID)
	e.CreatedAt = c.CreatedAt
	e.UpdatedAt = c.UpdatedAt
	return e
}

func toChannelDispatchModel(e *ChannelDispatchEntity) *model.ChannelDispatch {
	if e == nil {
		return nil
	}
	return &model.ChannelDispatch{
		ID:                e.ID.String(),
		DispatchID:        e.DispatchID.String(),
		Channel:           model.Channel(e.Channel),
		Status:            model.ChannelStatus(e.Status),
		IsFallback:        e.IsFallback,
		ProviderMessageID: e.ProviderMessageID,
		ErrorMessage:      e.ErrorMessage,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toChannelDispatchModels(entities []*ChannelDispatchEntity) []*model.ChannelDispatch {
	models := make([]*model.ChannelDispatch, len(entities))
	for i, e := range entities {
		models[i] = toChannelDispatchModel(e)
	}
	return models
}

// parseID returns uuid.Nil for empty or malformed ids so BeforeCreate assigns a fresh one.
func parseID(id string) uuid.UUID {
	if id == "" {
		return uuid.Nil
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil
	}
	return u
}
