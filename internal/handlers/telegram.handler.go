package handlers

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/fasthttp/router"
	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/internal/services"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	xhttp "github.com/fleetillo/dispatch-gateway/pkg/http"
)

const (
	HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"
	ackAnswerText        = "✅ Dispatch acknowledged!"
	ackMissingText       = "Dispatch not found"
)

type Acknowledger interface {
	Acknowledge(ctx context.Context, dispatchID string) (*model.Dispatch, error)
}

type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type TelegramHandler struct {
	acks    Acknowledger
	answers CallbackAnswerer
	secret  []byte
}

func RegisterTelegramRoutes(e *router.Group, h *TelegramHandler) {
	e.POST("/telegram/webhook", h.Webhook)
}

// NewTelegramHandler builds the webhook handler. An empty secret disables the header check.
func NewTelegramHandler(acks Acknowledger, answers CallbackAnswerer, secret string) *TelegramHandler {
	return &TelegramHandler{
		acks:    acks,
		answers: answers,
		secret:  []byte(secret),
	}
}

type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query,omitempty"`
}

type telegramCallbackQuery struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	From struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// Webhook always answers 200 once the request is authentic so Telegram does not redeliver.
func (h *TelegramHandler) Webhook(ctx *xhttp.RequestCtx) {
	if len(h.secret) > 0 {
		got := ctx.Request.Header.Peek(HeaderTelegramSecret)
		if subtle.ConstantTimeCompare(got, h.secret) != 1 {
			logger.Warn("telegram webhook rejected", "ip", ctx.RemoteIP().String())
			writeError(ctx, xhttp.StatusUnauthorized, "UNAUTHORIZED", "Invalid webhook secret", nil)
			return
		}
	}

	var update telegramUpdate
	if err := readJSON(ctx, &update); err != nil {
		logger.Warn("telegram webhook: invalid update", "error", err)
		writeJSON(ctx, xhttp.StatusOK, map[string]bool{"ok": true})
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]bool{"ok": true})

	cb := update.CallbackQuery
	if cb == nil {
		return
	}
	dispatchID, ok := gateway.ParseAckCallback(cb.Data)
	if !ok {
		logger.Debug("telegram callback ignored", "callback_id", cb.ID, "data", cb.Data)
		return
	}

	answer := ackAnswerText
	if _, err := h.acks.Acknowledge(ctx, dispatchID); err != nil {
		if !errors.Is(err, services.ErrDispatchNotFound) {
			logger.Error("failed to acknowledge dispatch", "dispatch_id", dispatchID, "error", err)
			return
		}
		answer = ackMissingText
	} else {
		logger.Info("dispatch acknowledged via telegram", "dispatch_id", dispatchID, "telegram_user", cb.From.Username)
	}

	if h.answers == nil {
		return
	}
	if err := h.answers.AnswerCallback(ctx, cb.ID, answer); err != nil {
		logger.Warn("failed to answer callback query", "callback_id", cb.ID, "error", err)
	}
}
