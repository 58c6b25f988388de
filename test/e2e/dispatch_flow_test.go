package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/handlers"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/processor"
	"github.com/fleetillo/dispatch-gateway/internal/queue"
	"github.com/fleetillo/dispatch-gateway/internal/repository"
	"github.com/fleetillo/dispatch-gateway/internal/routing"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	"github.com/fleetillo/dispatch-gateway/internal/templates"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/fleetillo/dispatch-gateway/test/fixtures"
	"github.com/fleetillo/dispatch-gateway/test/helpers"
)

const (
	apiKey   = "e2e-key"
	basePath = "/api/v1"
)

type TestEnvironment struct {
	DB        *pg.DB
	Providers *helpers.FakeProviders
	Service   *services.DispatchService
	Handler   xhttp.RequestHandler
	stop      []func()
}

func newEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	providers := helpers.NewFakeProviders(t)

	telegram := gateway.NewTelegramAdapter(&gateway.TelegramConfig{BotToken: "e2e", APIURL: providers.URL(), Timeout: 2 * time.Second})
	email := gateway.NewEmailAdapter(&gateway.EmailConfig{
		Provider:       gateway.EmailProviderSendGrid,
		SendGridAPIKey: "sg",
		SendGridAPIURL: providers.URL(),
		FromAddress:    "dispatch@example.com",
		Timeout:        2 * time.Second,
	})

	svc := services.NewDispatchService(
		repository.NewDispatchRepository(db),
		repository.NewFleetRepository(db),
		routing.NewRouter(),
		templates.NewEngine(nil),
		services.DispatchServiceConfig{BaseURL: "https://fleet.example.com"},
	)
	svc.RegisterAdapter(telegram)
	svc.RegisterAdapter(email)

	s := xhttp.CreateServer()
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.APIKeyMiddleware([]string{apiKey}, basePath+"/health", basePath+"/telegram/webhook"))
	g := s.Router.Group(basePath)
	handlers.RegisterDispatchRoutes(g, handlers.NewDispatchHandler(svc))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(services.NewHealthService(db, nil, svc, "e2e")))
	handlers.RegisterTelegramRoutes(g, handlers.NewTelegramHandler(svc, telegram, ""))

	return &TestEnvironment{DB: db, Providers: providers, Service: svc, Handler: s.Handler()}
}

func (env *TestEnvironment) useInline(t *testing.T) {
	inline := processor.NewInlineScheduler(processor.NewDeliveryProcessor(env.Service, nil), 4, 100, 5*time.Second)
	inline.Start()
	env.Service.SetScheduler(inline)
	t.Cleanup(func() { _ = inline.Stop(5 * time.Second) })
}

func (env *TestEnvironment) do(method, path string, body any, authed bool) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(basePath + path)
	if authed {
		ctx.Request.Header.Set(xhttp.HeaderAPIKey, apiKey)
	}
	if body != nil {
		raw, _ := json.Marshal(body)
		ctx.Request.SetBody(raw)
	}
	env.Handler(ctx)
	return ctx
}

type dispatchView struct {
	model.Dispatch
	ChannelDispatches []*model.ChannelDispatch `json:"channel_dispatches"`
}

func (env *TestEnvironment) waitForStatus(t *testing.T, id string, want model.DispatchStatus) dispatchView {
	t.Helper()
	var view dispatchView
	require.Eventually(t, func() bool {
		ctx := env.do("GET", "/dispatch/"+id, nil, true)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			return false
		}
		view = dispatchView{}
		if json.Unmarshal(ctx.Response.Body(), &view) != nil {
			return false
		}
		return view.Status == want
	}, 5*time.Second, 20*time.Millisecond, "dispatch %s never reached %s", id, want)
	return view
}

func createDispatch(t *testing.T, env *TestEnvironment, req model.DispatchRequest) model.DispatchResult {
	t.Helper()
	ctx := env.do("POST", "/dispatch", req, true)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	var res model.DispatchResult
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &res))
	return res
}

func TestE2E_DispatchDeliverAndAcknowledge(t *testing.T) {
	env := newEnvironment(t)
	env.useInline(t)

	fleet := fixtures.NewFleet(fixtures.NewDriver(fixtures.WithTelegram("777"), fixtures.WithEmail("ana@example.com")))
	helpers.SeedFleet(t, env.DB, fleet)

	res := createDispatch(t, env, fixtures.NewDispatchRequest(fleet))
	assert.Equal(t, model.DispatchStatusPending, res.Status)
	assert.Equal(t, []model.Channel{model.ChannelTelegram}, res.RequestedChannels)

	view := env.waitForStatus(t, res.DispatchID, model.DispatchStatusDelivered)
	require.Len(t, view.ChannelDispatches, 1)
	assert.Equal(t, model.ChannelStatusDelivered, view.ChannelDispatches[0].Status)
	assert.Equal(t, "e2e", view.Metadata["source"])

	sent := env.Providers.Calls("telegram")
	require.Len(t, sent, 1)
	assert.Equal(t, "777", sent[0].Body["chat_id"])
	assert.Contains(t, sent[0].Body["text"], "North Loop")

	update := map[string]any{
		"update_id": 1,
		"callback_query": map[string]any{
			"id":   "cb-1",
			"data": gateway.AckCallbackPrefix + res.DispatchID,
			"from": map[string]any{"id": 777},
		},
	}
	ctx := env.do("POST", "/telegram/webhook", update, false)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Len(t, env.Providers.Calls("telegram-callback"), 1)

	acked := env.waitForStatus(t, res.DispatchID, model.DispatchStatusDelivered)
	assert.NotNil(t, acked.AcknowledgedAt)
}

func TestE2E_FallbackToEmail(t *testing.T) {
	env := newEnvironment(t)
	env.useInline(t)
	env.Providers.FailTelegram.Store(true)

	fleet := fixtures.NewFleet(fixtures.NewDriver(
		fixtures.WithTelegram("777"),
		fixtures.WithEmail("ana@example.com"),
		fixtures.WithFallback(true),
	))
	helpers.SeedFleet(t, env.DB, fleet)

	res := createDispatch(t, env, fixtures.NewDispatchRequest(fleet, model.ChannelTelegram))
	view := env.waitForStatus(t, res.DispatchID, model.DispatchStatusPartiallyDelivered)

	require.Len(t, view.ChannelDispatches, 2)
	for _, cd := range view.ChannelDispatches {
		switch cd.Channel {
		case model.ChannelTelegram:
			assert.Equal(t, model.ChannelStatusFailed, cd.Status)
			require.NotNil(t, cd.ErrorMessage)
			assert.Contains(t, *cd.ErrorMessage, "blocked")
		case model.ChannelEmail:
			assert.True(t, cd.IsFallback)
			assert.Equal(t, model.ChannelStatusDelivered, cd.Status)
		}
	}
	assert.Len(t, env.Providers.Calls("sendgrid"), 1)
}

func TestE2E_RequestErrors(t *testing.T) {
	env := newEnvironment(t)
	env.useInline(t)

	ctx := env.do("POST", "/dispatch", map[string]any{"route_id": "x"}, false)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = env.do("POST", "/dispatch", map[string]any{"route_id": "not-a-uuid", "driver_id": "also-not"}, true)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	fleet := fixtures.NewFleet(fixtures.NewDriver(fixtures.WithTelegram("1")))
	ctx = env.do("POST", "/dispatch", fixtures.NewDispatchRequest(fleet), true)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = env.do("GET", "/health", nil, false)
	assert.Contains(t, []int{fasthttp.StatusOK, fasthttp.StatusServiceUnavailable}, ctx.Response.StatusCode())
	var report model.HealthReport
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &report))
	assert.Contains(t, report.Components, "database")
	assert.Contains(t, report.Components, "telegram")
}

func TestE2E_QueueModeBatch(t *testing.T) {
	env := newEnvironment(t)
	_, adapter := helpers.SetupTestRedis(t)

	deliveries := processor.NewDeliveryProcessor(env.Service, processor.NewIdempotencyService(adapter, processor.DefaultIdempotencyConfig()))
	svc, err := processor.NewProcessorService(adapter, deliveries, processor.ProcessorConfig{
		Queue: queue.QueueConfig{
			Name:         "e2e:deliveries",
			ConsumerName: "e2e",
			PollInterval: 20 * time.Millisecond,
		},
		Workers:     2,
		TaskTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	env.Service.SetScheduler(svc.Queue())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	first := fixtures.NewFleet(fixtures.NewDriver(fixtures.WithTelegram("1")))
	second := fixtures.NewFleet(fixtures.NewDriver(fixtures.WithEmail("bo@example.com"), fixtures.WithPreferred(model.ChannelEmail)))
	helpers.SeedFleet(t, env.DB, first)
	helpers.SeedFleet(t, env.DB, second)

	ctx := env.do("POST", "/dispatch/batch", map[string]any{
		"dispatches": []model.DispatchRequest{
			fixtures.NewDispatchRequest(first),
			fixtures.NewDispatchRequest(second),
		},
	}, true)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	var batch model.BatchResult
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &batch))
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		require.True(t, r.Success, r.Error)
		env.waitForStatus(t, r.DispatchID, model.DispatchStatusDelivered)
	}

	stats, err := env.Service.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Success)
}
