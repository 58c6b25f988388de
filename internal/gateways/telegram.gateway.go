package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

const (
	DefaultTelegramAPIURL = "https://api.telegram.org"
	AckCallbackPrefix     = "ack:"
	ackButtonText         = "✅ Acknowledge Receipt"
)

type TelegramConfig struct {
	BotToken string
	APIURL   string
	Timeout  time.Duration
}

type TelegramAdapter struct {
	mu   sync.RWMutex
	cfg  TelegramConfig
	http *httpClient
}

func NewTelegramAdapter(cfg *TelegramConfig) *TelegramAdapter {
	a := &TelegramAdapter{}
	if cfg == nil {
		cfg = &TelegramConfig{}
	}
	a.http = newHTTPClient("telegram", cfg.Timeout)
	a.Reload(cfg)
	return a
}

// Reload swaps the adapter configuration; in-flight sends finish with the old one.
func (a *TelegramAdapter) Reload(cfg *TelegramConfig) {
	if cfg == nil {
		cfg = &TelegramConfig{}
	}
	c := *cfg
	c.BotToken = strings.TrimSpace(c.BotToken)
	if c.APIURL == "" {
		c.APIURL = DefaultTelegramAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")

	a.mu.Lock()
	a.cfg = c
	a.mu.Unlock()
	a.http.setTimeout(c.Timeout)
}

func (a *TelegramAdapter) config() TelegramConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *TelegramAdapter) ChannelType() model.Channel {
	return model.ChannelTelegram
}

func (a *TelegramAdapter) IsConfigured() bool {
	return a.config().BotToken != ""
}

func (a *TelegramAdapter) CanSend(driver *model.Driver) bool {
	return driver.ContactFor(model.ChannelTelegram) != ""
}

func (a *TelegramAdapter) ProviderStats() ProviderStats {
	return a.http.stats()
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

func (a *TelegramAdapter) Send(ctx context.Context, msg *model.ChannelMessage) model.ChannelResult {
	return guardSend(model.ChannelTelegram, msg.DispatchID, func(sentAt time.Time) model.ChannelResult {
		chatID := msg.Driver.ContactFor(model.ChannelTelegram)
		if chatID == "" {
			logger.Warn("driver does not have telegram_chat_id configured", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID)
			return failed(model.ChannelTelegram, sentAt, "Driver does not have telegram_chat_id configured")
		}
		cfg := a.config()
		if cfg.BotToken == "" {
			logger.Error("telegram bot token is not configured", "dispatch_id", msg.DispatchID)
			return failed(model.ChannelTelegram, sentAt, "Telegram bot token is not configured")
		}

		body, err := json.Marshal(sendMessageRequest{
			ChatID:    chatID,
			Text:      msg.Body,
			ParseMode: "Markdown",
			ReplyMarkup: &replyMarkup{InlineKeyboard: [][]inlineButton{{
				{Text: ackButtonText, CallbackData: AckCallbackPrefix + msg.DispatchID},
			}}},
		})
		if err != nil {
			return failed(model.ChannelTelegram, sentAt, err.Error())
		}

		resp, err := a.http.do(ctx, httpRequest{Method: "POST", URL: a.methodURL(cfg, "sendMessage"), Body: body})
		if err != nil {
			logger.Error("failed to send telegram message", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID, "error", err)
			return failed(model.ChannelTelegram, sentAt, err.Error())
		}

		var tr telegramResponse
		if err := json.Unmarshal(resp.Body, &tr); err != nil {
			return failed(model.ChannelTelegram, sentAt, fmt.Sprintf("invalid Telegram API response (status %d)", resp.Status))
		}
		var m telegramMessage
		if tr.OK && len(tr.Result) > 0 && json.Unmarshal(tr.Result, &m) == nil {
			id := strconv.FormatInt(m.MessageID, 10)
			logger.Info("telegram message sent", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID, "message_id", id)
			return delivered(model.ChannelTelegram, sentAt, id)
		}

		errMsg := tr.Description
		if errMsg == "" {
			errMsg = "Unknown Telegram API error"
		}
		logger.Error("telegram api returned error", "dispatch_id", msg.DispatchID, "error_code", tr.ErrorCode, "description", errMsg)
		return failed(model.ChannelTelegram, sentAt, errMsg)
	})
}

func (a *TelegramAdapter) HealthCheck(ctx context.Context) model.HealthStatus {
	cfg := a.config()
	if cfg.BotToken == "" {
		return unhealthy("Telegram bot token is not configured")
	}

	resp, err := a.http.do(ctx, httpRequest{Method: "GET", URL: a.methodURL(cfg, "getMe")})
	if err != nil {
		logger.Error("telegram health check failed", "error", err)
		return healthCheckFailed(err)
	}
	if resp.Status == 401 {
		return unhealthy("Invalid credentials")
	}

	var tr telegramResponse
	_ = json.Unmarshal(resp.Body, &tr)
	var u telegramUser
	if tr.OK && len(tr.Result) > 0 && json.Unmarshal(tr.Result, &u) == nil {
		handle := u.Username
		if handle == "" {
			handle = u.FirstName
		}
		return healthy("Bot connected: @" + handle)
	}
	if tr.Description != "" {
		return unhealthy(tr.Description)
	}
	return unhealthy(fmt.Sprintf("API error: %d", resp.Status))
}

// AnswerCallback acknowledges an inline button press so the client stops its spinner.
func (a *TelegramAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	cfg := a.config()
	if cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token is not configured")
	}
	body, err := json.Marshal(map[string]string{"callback_query_id": callbackID, "text": text})
	if err != nil {
		return err
	}
	resp, err := a.http.do(ctx, httpRequest{Method: "POST", URL: a.methodURL(cfg, "answerCallbackQuery"), Body: body})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("answerCallbackQuery returned status %d", resp.Status)
	}
	return nil
}

func (a *TelegramAdapter) methodURL(cfg TelegramConfig, method string) string {
	return cfg.APIURL + "/bot" + cfg.BotToken + "/" + method
}

// ParseAckCallback extracts the dispatch id from "ack:{id}" callback data.
func ParseAckCallback(data string) (string, bool) {
	if !strings.HasPrefix(data, AckCallbackPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(data, AckCallbackPrefix))
	return id, id != ""
}
