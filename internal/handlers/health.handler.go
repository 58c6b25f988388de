package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
)

type HealthService interface {
	Check(ctx context.Context) *model.HealthReport
}

type HealthHandler struct {
	svc HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(svc HealthService) *HealthHandler {
	return &HealthHandler{
		svc: svc,
	}
}

// GetHealth answers 503 only when the service cannot accept dispatches at all.
func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	report := h.svc.Check(ctx)
	status := xhttp.StatusOK
	if report.Status == model.HealthUnhealthy {
		status = xhttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, report)
}
