package handlers

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/fleetillo/dispatch-gateway/internal/services"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_ERROR"
)

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	xhttp.WriteJSON(ctx, status, v)
}

func writeError(ctx *xhttp.RequestCtx, status int, code, msg string, details any) {
	xhttp.WriteError(ctx, status, code, msg, details)
}

func writeValidation(ctx *xhttp.RequestCtx, field, msg string) {
	writeError(ctx, xhttp.StatusBadRequest, CodeValidation, msg, map[string]any{
		"errors": []map[string]string{{"field": field, "message": msg}},
	})
}

// writeServiceError maps service errors onto the API error envelope.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	var (
		verr *services.ValidationError
		nf   *services.EntityNotFoundError
	)
	switch {
	case errors.As(err, &verr):
		msg := verr.Message
		if len(verr.Fields) > 0 {
			msg = verr.Fields[0].Message
		}
		writeError(ctx, xhttp.StatusBadRequest, CodeValidation, msg, map[string]any{"errors": verr.Fields})
	case errors.As(err, &nf):
		writeError(ctx, xhttp.StatusNotFound, CodeNotFound, nf.Error(), map[string]string{
			"entity_type": nf.Entity,
			"entity_id":   nf.ID,
		})
	case errors.Is(err, services.ErrDispatchNotFound):
		writeError(ctx, xhttp.StatusNotFound, CodeNotFound, "Dispatch not found", nil)
	case errors.Is(err, services.ErrBatchEmpty), errors.Is(err, services.ErrBatchTooLarge):
		writeValidation(ctx, "dispatches", err.Error())
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "request_id", xhttp.RequestID(ctx), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, CodeInternal, "Internal server error", nil)
	}
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func queryInt(ctx *xhttp.RequestCtx, key string) (int, bool, error) {
	v := query(ctx, key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, true, errors.New(key + " must be a non-negative integer")
	}
	return n, true, nil
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
