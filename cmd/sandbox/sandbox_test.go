package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestSandbox(t *testing.T, rate float64) (*Sandbox, *httptest.Server) {
	s := NewSandbox(rate, 0, 0, 1)
	srv := httptest.NewServer(SetupRouter(s))
	t.Cleanup(srv.Close)
	return s, srv
}

func ptr(s string) *string { return &s }

func testMessage(dispatchID string) *model.ChannelMessage {
	return &model.ChannelMessage{
		DispatchID: dispatchID,
		Driver: &model.Driver{
			ID:             "drv-1",
			FirstName:      "Ana",
			LastName:       "Silva",
			Email:          ptr("ana@example.com"),
			TelegramChatID: ptr("555"),
		},
		Body:    "<b>Route</b> North Loop",
		Context: &model.TemplateContext{},
	}
}

func TestSandbox_TelegramAdapterRoundTrip(t *testing.T) {
	s, srv := newTestSandbox(t, 1)
	a := gateway.NewTelegramAdapter(&gateway.TelegramConfig{BotToken: "t0k", APIURL: srv.URL, Timeout: time.Second})

	res := a.Send(context.Background(), testMessage("d-1"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "1", res.ProviderMessageID)

	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, "555", out[0].To)
	assert.Equal(t, []string{"ack:d-1"}, out[0].Buttons)

	assert.True(t, a.HealthCheck(context.Background()).Healthy)
}

func TestSandbox_TelegramFailure(t *testing.T) {
	s, srv := newTestSandbox(t, 0)
	a := gateway.NewTelegramAdapter(&gateway.TelegramConfig{BotToken: "t0k", APIURL: srv.URL, Timeout: time.Second})

	res := a.Send(context.Background(), testMessage("d-2"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "blocked")
	require.Len(t, s.Outbox(), 1)
	assert.False(t, s.Outbox()[0].Delivered)
}

func TestSandbox_EmailProviders(t *testing.T) {
	for _, provider := range []string{gateway.EmailProviderSendGrid, gateway.EmailProviderResend} {
		t.Run(provider, func(t *testing.T) {
			s, srv := newTestSandbox(t, 1)
			a := gateway.NewEmailAdapter(&gateway.EmailConfig{
				Provider:       provider,
				SendGridAPIKey: "sg-key",
				SendGridAPIURL: srv.URL,
				ResendAPIKey:   "re-key",
				ResendAPIURL:   srv.URL,
				FromAddress:    "dispatch@example.com",
				Timeout:        time.Second,
			})

			res := a.Send(context.Background(), testMessage("d-3"))
			require.True(t, res.Success, res.Error)
			assert.NotEmpty(t, res.ProviderMessageID)

			out := s.Outbox()
			require.Len(t, out, 1)
			assert.Equal(t, provider, out[0].Provider)
			assert.Equal(t, "ana@example.com", out[0].To)
			assert.True(t, a.HealthCheck(context.Background()).Healthy)
		})
	}
}

func TestSandbox_RejectsMissingKey(t *testing.T) {
	_, srv := newTestSandbox(t, 1)
	resp, err := http.Post(srv.URL+"/emails", "application/json", strings.NewReader(`{"from":"a@b.c","to":["x@y.z"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSandbox_UpdateConfig(t *testing.T) {
	s, srv := newTestSandbox(t, 1)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/sandbox/config", strings.NewReader(`{"delivery_rate":0.25}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		DeliveryRate float64 `json:"delivery_rate"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0.25, body.DeliveryRate)
	assert.Equal(t, 0.25, s.deliveryRate)
}
