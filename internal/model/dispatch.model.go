package model

import "time"

type DispatchStatus string

const (
	DispatchStatusPending            DispatchStatus = "pending"
	DispatchStatusSending            DispatchStatus = "sending"
	DispatchStatusDelivered          DispatchStatus = "delivered"
	DispatchStatusPartiallyDelivered DispatchStatus = "partially_delivered"
	DispatchStatusFailed             DispatchStatus = "failed"
)

func (s DispatchStatus) IsTerminal() bool {
	return s == DispatchStatusDelivered || s == DispatchStatusPartiallyDelivered || s == DispatchStatusFailed
}

func (s DispatchStatus) IsValid() bool {
	switch s {
	case DispatchStatusPending, DispatchStatusSending, DispatchStatusDelivered, DispatchStatusPartiallyDelivered, DispatchStatusFailed:
		return true
	}
	return false
}

type ChannelStatus string

const (
	ChannelStatusPending   ChannelStatus = "pending"
	ChannelStatusSending   ChannelStatus = "sending"
	ChannelStatusDelivered ChannelStatus = "delivered"
	ChannelStatusFailed    ChannelStatus = "failed"
)

func (s ChannelStatus) IsTerminal() bool {
	return s == ChannelStatusDelivered || s == ChannelStatusFailed
}

// CanTransitionTo reports whether a channel row may move from s to next.
// Rows only go pending -> sending -> delivered|failed.
func (s ChannelStatus) CanTransitionTo(next ChannelStatus) bool {
	switch s {
	case ChannelStatusPending:
		return next == ChannelStatusSending
	case ChannelStatusSending:
		return next == ChannelStatusDelivered || next == ChannelStatusFailed
	default:
		return false
	}
}

// Dispatch is one driver notification for one route.
type Dispatch struct {
	ID                string         `json:"id"`
	RouteID           string         `json:"route_id"`
	DriverID          string         `json:"driver_id"`
	Status            DispatchStatus `json:"status"`
	RequestedChannels []Channel      `json:"requested_channels"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	AcknowledgedAt    *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ChannelDispatch is a single channel's delivery attempt for a Dispatch.
type ChannelDispatch struct {
	ID                string        `json:"id"`
	DispatchID        string        `json:"dispatch_id"`
	Channel           Channel       `json:"channel"`
	Status            ChannelStatus `json:"status"`
	IsFallback        bool          `json:"is_fallback"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ChannelDispatchUpdate carries the fields to change on a ChannelDispatch; nil fields are left alone.
type ChannelDispatchUpdate struct {
	Status            ChannelStatus
	ProviderMessageID *string
	ErrorMessage      *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
}

type DispatchWithChannels struct {
	Dispatch          *Dispatch          `json:"dispatch"`
	ChannelDispatches []*ChannelDispatch `json:"channel_dispatches"`
}

type DispatchFilter struct {
	Status   *DispatchStatus
	DriverID *string
	RouteID  *string
	Limit    int // default 50
	Offset   int
}

type DispatchStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// DeliveryTask is handed to the delivery scheduler once a dispatch is persisted.
type DeliveryTask struct {
	DispatchID string    `json:"dispatch_id"`
	CreatedAt  time.Time `json:"created_at"`
}
