// Package templates renders route assignment messages from Handlebars templates.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/aymerick/raymond"
	"github.com/patrickmn/go-cache"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

var (
	ErrTemplateNotFound     = errors.New("template not found")
	ErrNoTemplateForChannel = errors.New("no template configured for channel")
)

//go:embed assets/*
var assets embed.FS

var channelTemplates = map[model.Channel]string{
	model.ChannelTelegram: "telegram.md",
	model.ChannelEmail:    "email.html",
}

// Engine compiles templates lazily from its source and keeps them until ClearCache.
type Engine struct {
	source   fs.FS
	compiled *cache.Cache
}

// NewEngine reads templates from source, or the embedded defaults when source is nil.
func NewEngine(source fs.FS) *Engine {
	if source == nil {
		source = DefaultSource()
	}
	return &Engine{
		source:   source,
		compiled: cache.New(cache.NoExpiration, 0),
	}
}

// NewEngineFromDir uses dir when set, the embedded defaults otherwise.
func NewEngineFromDir(dir string) *Engine {
	if strings.TrimSpace(dir) == "" {
		return NewEngine(nil)
	}
	logger.Info("loading templates from directory", "dir", dir)
	return NewEngine(os.DirFS(dir))
}

func DefaultSource() fs.FS {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		logger.Panic("embedded templates missing", "error", err)
	}
	return sub
}

func (e *Engine) Render(name string, ctx *model.TemplateContext) (string, error) {
	tpl, err := e.load(name)
	if err != nil {
		return "", err
	}
	out, err := tpl.Exec(ctx.Map())
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

func (e *Engine) RenderForChannel(channel model.Channel, ctx *model.TemplateContext) (string, error) {
	name, ok := channelTemplates[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTemplateForChannel, channel)
	}
	return e.Render(name, ctx)
}

// GetTemplates lists the template files present for channel.
func (e *Engine) GetTemplates(channel model.Channel) []string {
	if !e.HasTemplate(channel) {
		return []string{}
	}
	return []string{channelTemplates[channel]}
}

func (e *Engine) HasTemplate(channel model.Channel) bool {
	name, ok := channelTemplates[channel]
	if !ok {
		return false
	}
	_, err := fs.Stat(e.source, name)
	return err == nil
}

func (e *Engine) ClearCache() {
	e.compiled.Flush()
}

func (e *Engine) load(name string) (*raymond.Template, error) {
	if v, ok := e.compiled.Get(name); ok {
		return v.(*raymond.Template), nil
	}

	raw, err := fs.ReadFile(e.source, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("template file not found", "name", name)
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	tpl, err := raymond.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	registerHelpers(tpl)

	e.compiled.Set(name, tpl, cache.NoExpiration)
	return tpl, nil
}

// Helpers are registered per template; raymond's global registry panics on re-registration.
func registerHelpers(tpl *raymond.Template) {
	tpl.RegisterHelper("safe", func(value interface{}) raymond.SafeString {
		if value == nil {
			return ""
		}
		return raymond.SafeString(raymond.Str(value))
	})
	tpl.RegisterHelper("formatDate", formatDate)
	tpl.RegisterHelper("formatTime", formatTime)
	tpl.RegisterHelper("ifExists", func(value interface{}, options *raymond.Options) string {
		if value != nil && raymond.Str(value) != "" {
			return options.Fn()
		}
		return options.Inverse()
	})
}

func formatDate(value interface{}) string {
	s := strings.TrimSpace(raymond.Str(value))
	if s == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("Monday, January 2, 2006")
		}
	}
	return s
}

// formatTime trims seconds from HH:MM:SS values.
func formatTime(value interface{}) string {
	s := strings.TrimSpace(raymond.Str(value))
	if t, err := time.Parse("15:04:05", s); err == nil {
		return t.Format("15:04")
	}
	return s
}
