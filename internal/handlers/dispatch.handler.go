package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type DispatchService interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResult, error)
	DispatchBatch(ctx context.Context, reqs []model.DispatchRequest) (*model.BatchResult, error)
	GetDispatch(ctx context.Context, id string) (*model.DispatchWithChannels, error)
	ListDispatches(ctx context.Context, f model.DispatchFilter) ([]*model.Dispatch, int64, error)
	GetStats(ctx context.Context) (*model.DispatchStats, error)
}

type DispatchHandler struct {
	svc DispatchService
}

func RegisterDispatchRoutes(e *router.Group, h *DispatchHandler) {
	e.POST("/dispatch", h.CreateDispatch)
	e.POST("/dispatch/batch", h.CreateBatch)
	e.GET("/dispatch", h.ListDispatches)
	e.GET("/dispatch/stats", h.GetStats)
	e.GET("/dispatch/{id}", h.GetDispatch)
}

func NewDispatchHandler(svc DispatchService) *DispatchHandler {
	return &DispatchHandler{
		svc: svc,
	}
}

type batchRequest struct {
	Dispatches []model.DispatchRequest `json:"dispatches"`
}

type dispatchDetail struct {
	*model.Dispatch
	ChannelDispatches []*model.ChannelDispatch `json:"channel_dispatches"`
}

type listResponse struct {
	Items  []*model.Dispatch `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (h *DispatchHandler) CreateDispatch(ctx *xhttp.RequestCtx) {
	var req model.DispatchRequest
	if err := readJSON(ctx, &req); err != nil {
		writeValidation(ctx, "body", "Request body must be a JSON object: "+err.Error())
		return
	}
	res, err := h.svc.Dispatch(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, res)
}

func (h *DispatchHandler) CreateBatch(ctx *xhttp.RequestCtx) {
	var req batchRequest
	if err := readJSON(ctx, &req); err != nil {
		writeValidation(ctx, "body", "Request body must be a JSON object: "+err.Error())
		return
	}
	if req.Dispatches == nil {
		writeValidation(ctx, "dispatches", "dispatches array is required")
		return
	}
	res, err := h.svc.DispatchBatch(ctx, req.Dispatches)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, res)
}

func (h *DispatchHandler) GetDispatch(ctx *xhttp.RequestCtx) {
	id := pathParam(ctx, "id")
	if !model.IsUUID(id) {
		writeValidation(ctx, "id", "dispatch_id must be a valid UUID")
		return
	}
	dwc, err := h.svc.GetDispatch(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, dispatchDetail{Dispatch: dwc.Dispatch, ChannelDispatches: dwc.ChannelDispatches})
}

func (h *DispatchHandler) ListDispatches(ctx *xhttp.RequestCtx) {
	var f model.DispatchFilter

	if v := query(ctx, "status"); v != "" {
		st := model.DispatchStatus(v)
		if !st.IsValid() {
			writeValidation(ctx, "status", "status must be one of: pending, sending, delivered, partially_delivered, failed")
			return
		}
		f.Status = &st
	}
	if v := query(ctx, "driver_id"); v != "" {
		if !model.IsUUID(v) {
			writeValidation(ctx, "driver_id", "driver_id must be a valid UUID")
			return
		}
		f.DriverID = &v
	}
	if v := query(ctx, "route_id"); v != "" {
		if !model.IsUUID(v) {
			writeValidation(ctx, "route_id", "route_id must be a valid UUID")
			return
		}
		f.RouteID = &v
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		n, ok, err := queryInt(ctx, p.key)
		if err != nil {
			writeValidation(ctx, p.key, err.Error())
			return
		}
		if ok {
			*p.dst = n
		}
	}

	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	items, total, err := h.svc.ListDispatches(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (h *DispatchHandler) GetStats(ctx *xhttp.RequestCtx) {
	stats, err := h.svc.GetStats(ctx)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, stats)
}
