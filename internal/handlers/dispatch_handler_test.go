package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
)

type MockDispatchService struct {
	mock.Mock
}

func (m *MockDispatchService) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DispatchResult), args.Error(1)
}

func (m *MockDispatchService) DispatchBatch(ctx context.Context, reqs []model.DispatchRequest) (*model.BatchResult, error) {
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BatchResult), args.Error(1)
}

func (m *MockDispatchService) GetDispatch(ctx context.Context, id string) (*model.DispatchWithChannels, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DispatchWithChannels), args.Error(1)
}

func (m *MockDispatchService) ListDispatches(ctx context.Context, f model.DispatchFilter) ([]*model.Dispatch, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Dispatch), args.Get(1).(int64), args.Error(2)
}

func (m *MockDispatchService) GetStats(ctx context.Context) (*model.DispatchStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DispatchStats), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func decodeError(t *testing.T, ctx *xhttp.RequestCtx) xhttp.ErrorResponse {
	t.Helper()
	var resp xhttp.ErrorResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	return resp
}

func TestDispatchHandler_CreateDispatch(t *testing.T) {
	routeID, driverID := uuid.NewString(), uuid.NewString()

	t.Run("accepted", func(t *testing.T) {
		svc := new(MockDispatchService)
		handler := NewDispatchHandler(svc)

		body := []byte(`{"route_id":"` + routeID + `","driver_id":"` + driverID + `","channels":["email"],"metadata":{"shift":"am"}}`)
		svc.On("Dispatch", mock.Anything, mock.MatchedBy(func(r model.DispatchRequest) bool {
			return r.RouteID == routeID && r.DriverID == driverID &&
				len(r.Channels) == 1 && r.Channels[0] == model.ChannelEmail && r.Metadata["shift"] == "am"
		})).Return(&model.DispatchResult{
			DispatchID:        "d-1",
			Status:            model.DispatchStatusPending,
			RequestedChannels: []model.Channel{model.ChannelEmail},
		}, nil)

		ctx := setupTestContext("POST", "/dispatch", body)
		handler.CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
		var resp map[string]any
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.Equal(t, "d-1", resp["dispatch_id"])
		assert.Equal(t, "pending", resp["status"])
		assert.Equal(t, []any{"email"}, resp["requested_channels"])
		svc.AssertExpectations(t)
	})

	t.Run("malformed json", func(t *testing.T) {
		svc := new(MockDispatchService)
		ctx := setupTestContext("POST", "/dispatch", []byte(`{"route_id":`))
		NewDispatchHandler(svc).CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, CodeValidation, decodeError(t, ctx).Error.Code)
		svc.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	})

	t.Run("metadata must be an object", func(t *testing.T) {
		svc := new(MockDispatchService)
		body := []byte(`{"route_id":"` + routeID + `","driver_id":"` + driverID + `","metadata":["x"]}`)
		ctx := setupTestContext("POST", "/dispatch", body)
		NewDispatchHandler(svc).CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	})

	t.Run("validation error uses first field message", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("Dispatch", mock.Anything, mock.Anything).Return(nil, &services.ValidationError{
			Message: "Invalid dispatch request",
			Fields:  []model.FieldError{{Field: "route_id", Message: "route_id is required"}},
		})
		ctx := setupTestContext("POST", "/dispatch", []byte(`{}`))
		NewDispatchHandler(svc).CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		resp := decodeError(t, ctx)
		assert.Equal(t, "route_id is required", resp.Error.Message)
		assert.NotNil(t, resp.Error.Details)
	})

	t.Run("entity not found", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("Dispatch", mock.Anything, mock.Anything).Return(nil, &services.EntityNotFoundError{Entity: "driver", ID: driverID})
		ctx := setupTestContext("POST", "/dispatch", []byte(`{"route_id":"`+routeID+`","driver_id":"`+driverID+`"}`))
		NewDispatchHandler(svc).CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
		resp := decodeError(t, ctx)
		assert.Equal(t, CodeNotFound, resp.Error.Code)
		assert.Equal(t, "Driver not found: "+driverID, resp.Error.Message)
	})

	t.Run("unexpected error is hidden", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("Dispatch", mock.Anything, mock.Anything).Return(nil, errors.New("pq: connection refused"))
		ctx := setupTestContext("POST", "/dispatch", []byte(`{"route_id":"`+routeID+`","driver_id":"`+driverID+`"}`))
		NewDispatchHandler(svc).CreateDispatch(ctx)

		assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
		resp := decodeError(t, ctx)
		assert.Equal(t, CodeInternal, resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "pq")
	})
}

func TestDispatchHandler_CreateBatch(t *testing.T) {
	t.Run("missing dispatches", func(t *testing.T) {
		svc := new(MockDispatchService)
		ctx := setupTestContext("POST", "/dispatch/batch", []byte(`{}`))
		NewDispatchHandler(svc).CreateBatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "dispatches array is required", decodeError(t, ctx).Error.Message)
	})

	t.Run("empty batch", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("DispatchBatch", mock.Anything, []model.DispatchRequest{}).Return(nil, services.ErrBatchEmpty)
		ctx := setupTestContext("POST", "/dispatch/batch", []byte(`{"dispatches":[]}`))
		NewDispatchHandler(svc).CreateBatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, services.ErrBatchEmpty.Error(), decodeError(t, ctx).Error.Message)
	})

	t.Run("results", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("DispatchBatch", mock.Anything, mock.MatchedBy(func(r []model.DispatchRequest) bool { return len(r) == 2 })).
			Return(&model.BatchResult{
				Results: []model.BatchItemResult{
					{Index: 0, Success: true, DispatchID: "d-1"},
					{Index: 1, Error: "Route not found: x"},
				},
				Summary: model.BatchSummary{Total: 2, Successful: 1, Failed: 1},
			}, nil)

		ctx := setupTestContext("POST", "/dispatch/batch", []byte(`{"dispatches":[{"route_id":"a"},{"route_id":"b"}]}`))
		NewDispatchHandler(svc).CreateBatch(ctx)

		assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
		var resp model.BatchResult
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.Equal(t, 1, resp.Summary.Failed)
		assert.Equal(t, "d-1", resp.Results[0].DispatchID)
	})
}

func TestDispatchHandler_GetDispatch(t *testing.T) {
	id := uuid.NewString()

	t.Run("invalid id", func(t *testing.T) {
		svc := new(MockDispatchService)
		ctx := setupTestContext("GET", "/dispatch/abc", nil)
		ctx.SetUserValue("id", "abc")
		NewDispatchHandler(svc).GetDispatch(ctx)

		assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "dispatch_id must be a valid UUID", decodeError(t, ctx).Error.Message)
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("GetDispatch", mock.Anything, id).Return(nil, services.ErrDispatchNotFound)
		ctx := setupTestContext("GET", "/dispatch/"+id, nil)
		ctx.SetUserValue("id", id)
		NewDispatchHandler(svc).GetDispatch(ctx)

		assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	})

	t.Run("flattened detail", func(t *testing.T) {
		svc := new(MockDispatchService)
		provider := "tg-42"
		svc.On("GetDispatch", mock.Anything, id).Return(&model.DispatchWithChannels{
			Dispatch: &model.Dispatch{ID: id, Status: model.DispatchStatusDelivered, RequestedChannels: []model.Channel{model.ChannelTelegram}},
			ChannelDispatches: []*model.ChannelDispatch{
				{ID: "c-1", DispatchID: id, Channel: model.ChannelTelegram, Status: model.ChannelStatusDelivered, ProviderMessageID: &provider},
			},
		}, nil)
		ctx := setupTestContext("GET", "/dispatch/"+id, nil)
		ctx.SetUserValue("id", id)
		NewDispatchHandler(svc).GetDispatch(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		var resp map[string]any
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.Equal(t, id, resp["id"])
		assert.Equal(t, "delivered", resp["status"])
		rows := resp["channel_dispatches"].([]any)
		require.Len(t, rows, 1)
		assert.Equal(t, "tg-42", rows[0].(map[string]any)["provider_message_id"])
	})
}

func TestDispatchHandler_ListDispatches(t *testing.T) {
	driverID := uuid.NewString()

	t.Run("filters and paging", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("ListDispatches", mock.Anything, mock.MatchedBy(func(f model.DispatchFilter) bool {
			return f.Status != nil && *f.Status == model.DispatchStatusFailed &&
				f.DriverID != nil && *f.DriverID == driverID &&
				f.RouteID == nil && f.Limit == 100 && f.Offset == 20
		})).Return([]*model.Dispatch{{ID: "d-1"}}, int64(41), nil)

		ctx := setupTestContext("GET", "/dispatch?status=failed&driver_id="+driverID+"&limit=500&offset=20", nil)
		NewDispatchHandler(svc).ListDispatches(ctx)

		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		var resp listResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
		assert.Equal(t, int64(41), resp.Total)
		assert.Equal(t, 100, resp.Limit)
		require.Len(t, resp.Items, 1)
		svc.AssertExpectations(t)
	})

	t.Run("default limit", func(t *testing.T) {
		svc := new(MockDispatchService)
		svc.On("ListDispatches", mock.Anything, model.DispatchFilter{Limit: 50}).Return([]*model.Dispatch{}, int64(0), nil)

		ctx := setupTestContext("GET", "/dispatch", nil)
		NewDispatchHandler(svc).ListDispatches(ctx)
		assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	for _, tc := range []struct{ name, query, field string }{
		{"bad status", "status=done", "status"},
		{"bad driver", "driver_id=42", "driver_id"},
		{"bad limit", "limit=-1", "limit"},
		{"bad offset", "offset=x", "offset"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockDispatchService)
			ctx := setupTestContext("GET", "/dispatch?"+tc.query, nil)
			NewDispatchHandler(svc).ListDispatches(ctx)

			assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
			assert.Contains(t, decodeError(t, ctx).Error.Message, tc.field)
			svc.AssertNotCalled(t, "ListDispatches", mock.Anything, mock.Anything)
		})
	}
}

func TestDispatchHandler_GetStats(t *testing.T) {
	svc := new(MockDispatchService)
	svc.On("GetStats", mock.Anything).Return(&model.DispatchStats{Total: 5, Active: 1, Success: 3, Failed: 1}, nil)

	ctx := setupTestContext("GET", "/dispatch/stats", nil)
	NewDispatchHandler(svc).GetStats(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var stats model.DispatchStats
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &stats))
	assert.Equal(t, int64(3), stats.Success)
}
