package main

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SentMessage is one message captured by the sandbox, whatever provider it went through.
type SentMessage struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	To        string    `json:"to"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Buttons   []string  `json:"buttons,omitempty"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Sandbox imitates the Telegram Bot API, SendGrid and Resend closely enough
// for the gateway's adapters, failing a configurable share of sends.
type Sandbox struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	rng          *rand.Rand
	outbox       []SentMessage
	messageSeq   int64
}

func NewSandbox(deliveryRate float64, minDelay, maxDelay time.Duration, seed int64) *Sandbox {
	return &Sandbox{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (s *Sandbox) delay() {
	s.mu.Lock()
	d := s.minDelay
	if delta := s.maxDelay - s.minDelay; delta > 0 {
		d += time.Duration(s.rng.Int63n(int64(delta)))
	}
	s.mu.Unlock()
	time.Sleep(d)
}

func (s *Sandbox) shouldSucceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.deliveryRate
}

func (s *Sandbox) record(m SentMessage) SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.At = time.Now().UTC()
	s.outbox = append(s.outbox, m)
	return m
}

func (s *Sandbox) Outbox() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.outbox...)
}

func (s *Sandbox) nextMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageSeq++
	return s.messageSeq
}

type telegramSendMessage struct {
	ChatID      string `json:"chat_id" binding:"required"`
	Text        string `json:"text" binding:"required"`
	ParseMode   string `json:"parse_mode"`
	ReplyMarkup *struct {
		InlineKeyboard [][]struct {
			Text         string `json:"text"`
			CallbackData string `json:"callback_data"`
		} `json:"inline_keyboard"`
	} `json:"reply_markup"`
}

func telegramError(c *gin.Context, status int, description string) {
	c.JSON(status, gin.H{"ok": false, "error_code": status, "description": description})
}

// TelegramMethod serves /bot<token>/<method>.
func (s *Sandbox) TelegramMethod(c *gin.Context) {
	token := strings.TrimPrefix(c.Param("token"), "bot")
	if token == "" {
		telegramError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	switch c.Param("method") {
	case "getMe":
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"id": 1, "is_bot": true, "first_name": "Sandbox", "username": "sandbox_dispatch_bot"}})
	case "answerCallbackQuery":
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": true})
	case "sendMessage":
		s.telegramSend(c)
	default:
		telegramError(c, http.StatusNotFound, "Not Found: method not found")
	}
}

func (s *Sandbox) telegramSend(c *gin.Context) {
	var req telegramSendMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		telegramError(c, http.StatusBadRequest, "Bad Request: "+err.Error())
		return
	}
	s.delay()

	msg := SentMessage{Provider: "telegram", To: req.ChatID, Body: req.Text}
	if req.ReplyMarkup != nil {
		for _, row := range req.ReplyMarkup.InlineKeyboard {
			for _, b := range row {
				msg.Buttons = append(msg.Buttons, b.CallbackData)
			}
		}
	}

	if !s.shouldSucceed() {
		msg.Error = "Forbidden: bot was blocked by the user"
		s.record(msg)
		log.Warn().Str("chat_id", req.ChatID).Msg("telegram send failed")
		telegramError(c, http.StatusForbidden, msg.Error)
		return
	}

	id := s.nextMessageID()
	msg.ID = strconv.FormatInt(id, 10)
	msg.Delivered = true
	s.record(msg)
	log.Info().Str("chat_id", req.ChatID).Int64("message_id", id).Msg("telegram message sent")
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": gin.H{"message_id": id, "chat": gin.H{"id": req.ChatID}}})
}

type sendgridMail struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations" binding:"required"`
	Subject string `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func bearer(c *gin.Context) bool {
	return strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") && len(c.GetHeader("Authorization")) > len("Bearer ")
}

func (s *Sandbox) SendGridSend(c *gin.Context) {
	if !bearer(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"errors": []gin.H{{"message": "The provided authorization grant is invalid, expired, or revoked"}}})
		return
	}
	var req sendgridMail
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Personalizations) == 0 || len(req.Personalizations[0].To) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": "The personalizations field is required"}}})
		return
	}
	s.delay()

	msg := SentMessage{Provider: "sendgrid", To: req.Personalizations[0].To[0].Email, Subject: req.Subject}
	for _, part := range req.Content {
		if part.Type == "text/html" {
			msg.Body = part.Value
		}
	}

	if !s.shouldSucceed() {
		msg.Error = "Maximum credits exceeded"
		s.record(msg)
		c.JSON(http.StatusTooManyRequests, gin.H{"errors": []gin.H{{"message": msg.Error}}})
		return
	}
	msg.ID = uuid.NewString()
	msg.Delivered = true
	s.record(msg)
	log.Info().Str("to", msg.To).Str("message_id", msg.ID).Msg("sendgrid mail accepted")
	c.Header("X-Message-Id", msg.ID)
	c.Status(http.StatusAccepted)
}

type resendMail struct {
	From    string   `json:"from" binding:"required"`
	To      []string `json:"to" binding:"required"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (s *Sandbox) ResendSend(c *gin.Context) {
	if !bearer(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"statusCode": 401, "message": "Missing API key in the authorization header", "name": "missing_api_key"})
		return
	}
	var req resendMail
	if err := c.ShouldBindJSON(&req); err != nil || len(req.To) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"statusCode": 422, "message": "Missing `to` field.", "name": "validation_error"})
		return
	}
	s.delay()

	msg := SentMessage{Provider: "resend", To: req.To[0], Subject: req.Subject, Body: req.HTML}
	if !s.shouldSucceed() {
		msg.Error = "Too many requests"
		s.record(msg)
		c.JSON(http.StatusTooManyRequests, gin.H{"statusCode": 429, "message": msg.Error, "name": "rate_limit_exceeded"})
		return
	}
	msg.ID = uuid.NewString()
	msg.Delivered = true
	s.record(msg)
	log.Info().Str("to", msg.To).Str("message_id", msg.ID).Msg("resend mail accepted")
	c.JSON(http.StatusOK, gin.H{"id": msg.ID})
}

func (s *Sandbox) GetOutbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.Outbox()})
}

// UpdateConfig changes the delivery rate at runtime.
func (s *Sandbox) UpdateConfig(c *gin.Context) {
	var req struct {
		DeliveryRate *float64 `json:"delivery_rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	s.mu.Lock()
	if req.DeliveryRate != nil && *req.DeliveryRate >= 0 && *req.DeliveryRate <= 1 {
		s.deliveryRate = *req.DeliveryRate
		log.Info().Float64("rate", s.deliveryRate).Msg("updated delivery rate")
	}
	rate := s.deliveryRate
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"delivery_rate": rate})
}

func SetupRouter(s *Sandbox) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	router.GET("/:token/:method", s.TelegramMethod)
	router.POST("/:token/:method", s.TelegramMethod)

	router.POST("/v3/mail/send", s.SendGridSend)
	router.GET("/v3/user/profile", func(c *gin.Context) {
		if !bearer(c) {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": "sandbox"})
	})

	router.POST("/emails", s.ResendSend)
	router.GET("/domains", func(c *gin.Context) {
		if !bearer(c) {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": []gin.H{}})
	})

	router.GET("/sandbox/outbox", s.GetOutbox)
	router.PUT("/sandbox/config", s.UpdateConfig)
	return router
}
