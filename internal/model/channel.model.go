package model

import "strings"

// Channel is a delivery medium for a dispatch.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
)

// DefaultChannel is used when neither the request nor the driver picks one.
const DefaultChannel = ChannelTelegram

// SupportedChannels lists the channels that can actually deliver, in priority order.
var SupportedChannels = []Channel{ChannelTelegram, ChannelEmail}

// KnownChannels are accepted in requests; sms and push are reserved.
var KnownChannels = []Channel{ChannelTelegram, ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) String() string { return string(c) }

func (c Channel) IsKnown() bool {
	for _, k := range KnownChannels {
		if k == c {
			return true
		}
	}
	return false
}

func (c Channel) IsSupported() bool {
	for _, s := range SupportedChannels {
		if s == c {
			return true
		}
	}
	return false
}

// ParseChannel normalizes case and surrounding space.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.IsKnown()
}
