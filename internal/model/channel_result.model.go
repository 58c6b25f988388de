package model

import "time"

// ChannelMessage is everything an adapter needs to deliver one rendered message.
type ChannelMessage struct {
	DispatchID string
	Driver     *Driver
	Context    *TemplateContext
	Body       string
}

// ChannelResult is the outcome of one adapter send. SentAt is set on success and failure.
type ChannelResult struct {
	Success           bool      `json:"success"`
	Channel           Channel   `json:"channel"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

type HealthStatus struct {
	Healthy     bool      `json:"healthy"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}
