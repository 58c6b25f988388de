package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	EmailProviderSendGrid = "sendgrid"
	EmailProviderResend   = "resend"

	DefaultSendGridAPIURL = "https://api.sendgrid.com"
	DefaultResendAPIURL   = "https://api.resend.com"
	DefaultFromAddress    = "dispatch@fleetillo.com"
	DefaultFromName       = "Fleetillo Dispatch"
)

type EmailConfig struct {
	Provider       string
	SendGridAPIKey string
	SendGridAPIURL string
	ResendAPIKey   string
	ResendAPIURL   string
	FromAddress    string
	FromName       string
	Timeout        time.Duration
}

// emailBackend is the resolved provider a send goes through.
type emailBackend struct {
	name   string
	apiKey string
	apiURL string
}

type EmailAdapter struct {
	mu       sync.RWMutex
	cfg      EmailConfig
	sendgrid *httpClient
	resend   *httpClient
}

func NewEmailAdapter(cfg *EmailConfig) *EmailAdapter {
	if cfg == nil {
		cfg = &EmailConfig{}
	}
	a := &EmailAdapter{
		sendgrid: newHTTPClient(EmailProviderSendGrid, cfg.Timeout),
		resend:   newHTTPClient(EmailProviderResend, cfg.Timeout),
	}
	a.Reload(cfg)
	return a
}

func (a *EmailAdapter) Reload(cfg *EmailConfig) {
	if cfg == nil {
		cfg = &EmailConfig{}
	}
	c := *cfg
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.SendGridAPIKey = strings.TrimSpace(c.SendGridAPIKey)
	c.ResendAPIKey = strings.TrimSpace(c.ResendAPIKey)
	if c.SendGridAPIURL == "" {
		c.SendGridAPIURL = DefaultSendGridAPIURL
	}
	if c.ResendAPIURL == "" {
		c.ResendAPIURL = DefaultResendAPIURL
	}
	c.SendGridAPIURL = strings.TrimRight(c.SendGridAPIURL, "/")
	c.ResendAPIURL = strings.TrimRight(c.ResendAPIURL, "/")
	if c.FromAddress == "" {
		c.FromAddress = DefaultFromAddress
	}
	if c.FromName == "" {
		c.FromName = DefaultFromName
	}

	a.mu.Lock()
	a.cfg = c
	a.mu.Unlock()
	a.sendgrid.setTimeout(c.Timeout)
	a.resend.setTimeout(c.Timeout)
}

func (a *EmailAdapter) config() EmailConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// backend picks the provider named by the config when it has a key, otherwise
// whichever provider does.
func (c EmailConfig) backend() (emailBackend, bool) {
	sendgrid := emailBackend{name: EmailProviderSendGrid, apiKey: c.SendGridAPIKey, apiURL: c.SendGridAPIURL}
	resend := emailBackend{name: EmailProviderResend, apiKey: c.ResendAPIKey, apiURL: c.ResendAPIURL}

	preferred, other := sendgrid, resend
	if c.Provider == EmailProviderResend {
		preferred, other = resend, sendgrid
	}
	if preferred.apiKey != "" {
		return preferred, true
	}
	if other.apiKey != "" {
		return other, true
	}
	return emailBackend{}, false
}

func (a *EmailAdapter) ChannelType() model.Channel {
	return model.ChannelEmail
}

func (a *EmailAdapter) IsConfigured() bool {
	_, ok := a.config().backend()
	return ok
}

func (a *EmailAdapter) CanSend(driver *model.Driver) bool {
	return driver.ContactFor(model.ChannelEmail) != ""
}

// ProviderStats reports the backend currently in use.
func (a *EmailAdapter) ProviderStats() ProviderStats {
	b, _ := a.config().backend()
	return a.client(b.name).stats()
}

func (a *EmailAdapter) client(name string) *httpClient {
	if name == EmailProviderResend {
		return a.resend
	}
	return a.sendgrid
}

func Subject(ctx *model.TemplateContext) string {
	if ctx == nil {
		ctx = &model.TemplateContext{}
	}
	return fmt.Sprintf("Route Assignment: %s - %s", ctx.Route.Name, ctx.Route.Date)
}

func (a *EmailAdapter) Send(ctx context.Context, msg *model.ChannelMessage) model.ChannelResult {
	return guardSend(model.ChannelEmail, msg.DispatchID, func(sentAt time.Time) model.ChannelResult {
		to := msg.Driver.ContactFor(model.ChannelEmail)
		if to == "" {
			logger.Warn("driver does not have email address configured", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID)
			return failed(model.ChannelEmail, sentAt, "Driver does not have email address configured")
		}
		cfg := a.config()
		b, ok := cfg.backend()
		if !ok {
			logger.Error("email provider is not configured", "dispatch_id", msg.DispatchID)
			return failed(model.ChannelEmail, sentAt, "Email provider is not configured")
		}

		subject := Subject(msg.Context)
		var (
			id  string
			err error
		)
		if b.name == EmailProviderResend {
			id, err = a.sendViaResend(ctx, cfg, b, to, subject, msg.Body)
		} else {
			id, err = a.sendViaSendGrid(ctx, cfg, b, to, subject, msg.Body)
		}
		if err != nil {
			logger.Error("email provider returned error", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID, "provider", b.name, "error", err)
			return failed(model.ChannelEmail, sentAt, err.Error())
		}

		logger.Info("email sent", "dispatch_id", msg.DispatchID, "driver_id", msg.Driver.ID, "provider", b.name, "message_id", id)
		return delivered(model.ChannelEmail, sentAt, id)
	})
}

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridMail struct {
	Personalizations []struct {
		To []sendgridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendgridAddress   `json:"from"`
	Subject string            `json:"subject"`
	Content []sendgridContent `json:"content"`
}

type sendgridError struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *EmailAdapter) sendViaSendGrid(ctx context.Context, cfg EmailConfig, b emailBackend, to, subject, htmlBody string) (string, error) {
	mail := sendgridMail{
		From:    sendgridAddress{Email: cfg.FromAddress, Name: cfg.FromName},
		Subject: subject,
		Content: []sendgridContent{
			{Type: "text/plain", Value: PlainText(htmlBody)},
			{Type: "text/html", Value: htmlBody},
		},
	}
	mail.Personalizations = make([]struct {
		To []sendgridAddress `json:"to"`
	}, 1)
	mail.Personalizations[0].To = []sendgridAddress{{Email: to}}

	body, err := json.Marshal(mail)
	if err != nil {
		return "", err
	}
	resp, err := a.sendgrid.do(ctx, httpRequest{
		Method:  "POST",
		URL:     b.apiURL + "/v3/mail/send",
		Headers: map[string]string{"Authorization": "Bearer " + b.apiKey},
		Body:    body,
	})
	if err != nil {
		return "", err
	}
	if resp.Status == 200 || resp.Status == 202 {
		return resp.Header("X-Message-Id"), nil
	}

	var se sendgridError
	if json.Unmarshal(resp.Body, &se) == nil && len(se.Errors) > 0 {
		msgs := make([]string, len(se.Errors))
		for i, e := range se.Errors {
			msgs[i] = e.Message
		}
		return "", errors.New(strings.Join(msgs, ", "))
	}
	return "", fmt.Errorf("SendGrid API error: %d", resp.Status)
}

type resendMail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (a *EmailAdapter) sendViaResend(ctx context.Context, cfg EmailConfig, b emailBackend, to, subject, htmlBody string) (string, error) {
	body, err := json.Marshal(resendMail{
		From:    fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress),
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return "", err
	}
	resp, err := a.resend.do(ctx, httpRequest{
		Method:  "POST",
		URL:     b.apiURL + "/emails",
		Headers: map[string]string{"Authorization": "Bearer " + b.apiKey},
		Body:    body,
	})
	if err != nil {
		return "", err
	}

	var rr resendResponse
	_ = json.Unmarshal(resp.Body, &rr)
	if resp.OK() && rr.ID != "" {
		return rr.ID, nil
	}
	if rr.Message != "" {
		return "", errors.New(rr.Message)
	}
	return "", fmt.Errorf("Resend API error: %d", resp.Status)
}

func (a *EmailAdapter) HealthCheck(ctx context.Context) model.HealthStatus {
	b, ok := a.config().backend()
	if !ok {
		return unhealthy("Email provider is not configured")
	}

	path, label := "/v3/user/profile", "SendGrid"
	if b.name == EmailProviderResend {
		path, label = "/domains", "Resend"
	}
	resp, err := a.client(b.name).do(ctx, httpRequest{
		Method:  "GET",
		URL:     b.apiURL + path,
		Headers: map[string]string{"Authorization": "Bearer " + b.apiKey},
	})
	if err != nil {
		logger.Error("email health check failed", "provider", b.name, "error", err)
		return healthCheckFailed(err)
	}
	switch {
	case resp.OK():
		return healthy(label + " API connected")
	case resp.Status == 401:
		return unhealthy("Invalid API key")
	default:
		return unhealthy(fmt.Sprintf("API error: %d", resp.Status))
	}
}

var (
	lineBreakElements = map[atom.Atom]bool{
		atom.Br: true, atom.Hr: true, atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true,
		atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Section: true, atom.Header: true, atom.Footer: true,
		atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	}
	hiddenElements = map[atom.Atom]bool{
		atom.Head: true, atom.Title: true, atom.Script: true, atom.Style: true, atom.Noscript: true,
	}
)

// PlainText derives the text/plain alternative from an HTML body.
// Comments and the contents of head, script and style are dropped.
func PlainText(htmlBody string) string {
	z := html.NewTokenizer(strings.NewReader(htmlBody))
	var b strings.Builder
	hidden := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return joinLines(b.String())
		case html.TextToken:
			if hidden == 0 {
				b.WriteString(collapseSpace(string(z.Text())))
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if hiddenElements[a] {
				switch {
				case tt == html.StartTagToken:
					hidden++
				case tt == html.EndTagToken && hidden > 0:
					hidden--
				}
				continue
			}
			if hidden == 0 && lineBreakElements[a] {
				b.WriteByte('\n')
			}
		}
	}
}

func collapseSpace(s string) string {
	if strings.TrimSpace(s) == "" {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(strings.Fields(s), " ")
	if r := s[0]; r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		out = " " + out
	}
	if r := s[len(s)-1]; r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		out += " "
	}
	return out
}

func joinLines(s string) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}
