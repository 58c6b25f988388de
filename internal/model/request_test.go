package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRouteID  = "6f1c2f0e-8a5b-4d2e-9c11-2b7f4a9d0c01"
	testDriverID = "0b9d7a3c-1e4f-4b6a-8d2c-5f3e9a7b1c02"
)

func TestDispatchRequest_Validate(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		req := DispatchRequest{RouteID: testRouteID, DriverID: testDriverID, Channels: []Channel{ChannelEmail, ChannelSMS}}
		assert.Empty(t, req.Validate())
	})

	t.Run("missing ids", func(t *testing.T) {
		errs := DispatchRequest{}.Validate()
		require.Len(t, errs, 2)
		assert.Equal(t, "route_id", errs[0].Field)
		assert.Equal(t, "route_id is required", errs[0].Message)
		assert.Equal(t, "driver_id", errs[1].Field)
	})

	t.Run("malformed ids", func(t *testing.T) {
		errs := DispatchRequest{RouteID: "route-1", DriverID: "{" + testDriverID + "}"}.Validate()
		require.Len(t, errs, 2)
		assert.Equal(t, "route_id must be a valid UUID", errs[0].Message)
		assert.Equal(t, "driver_id must be a valid UUID", errs[1].Message)
	})

	t.Run("unknown channel", func(t *testing.T) {
		errs := DispatchRequest{RouteID: testRouteID, DriverID: testDriverID, Channels: []Channel{"fax"}}.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "channels[0]", errs[0].Field)
	})
}

func TestParseChannel(t *testing.T) {
	c, ok := ParseChannel("  Telegram ")
	assert.True(t, ok)
	assert.Equal(t, ChannelTelegram, c)

	_, ok = ParseChannel("pager")
	assert.False(t, ok)

	assert.True(t, ChannelSMS.IsKnown())
	assert.False(t, ChannelSMS.IsSupported())
}

func TestDriver_ContactFor(t *testing.T) {
	chat := "  12345 "
	blank := "   "
	d := &Driver{TelegramChatID: &chat, Email: &blank}

	assert.Equal(t, "12345", d.ContactFor(ChannelTelegram))
	assert.Equal(t, "", d.ContactFor(ChannelEmail))
	assert.Equal(t, "", d.ContactFor(ChannelPush))
	assert.Equal(t, "", (*Driver)(nil).ContactFor(ChannelTelegram))
}

func TestTemplateContext_MapOmitsMissingVehicle(t *testing.T) {
	ctx := &TemplateContext{Route: RouteView{Name: "North"}}
	m := ctx.Map()

	_, hasVehicle := m["vehicle"]
	assert.False(t, hasVehicle)
	assert.Equal(t, "North", m["route"].(map[string]any)["name"])
	assert.Empty(t, m["bookings"])
}

func TestChannelStatus_CanTransitionTo(t *testing.T) {
	allowed := map[ChannelStatus][]ChannelStatus{
		ChannelStatusPending: {ChannelStatusSending},
		ChannelStatusSending: {ChannelStatusDelivered, ChannelStatusFailed},
	}
	all := []ChannelStatus{ChannelStatusPending, ChannelStatusSending, ChannelStatusDelivered, ChannelStatusFailed}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}
