package xhttp

import (
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type Server = fasthttp.Server

// ServerOption carries the tunables the dispatch API exposes through config.
// Zero values fall back to DefaultServerOption.
type ServerOption struct {
	Name               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ReadBufferSize     int
	WriteBufferSize    int
	MaxRequestBodySize int
	Concurrency        int
	MaxConnsPerIP      int
	Logger             logger.Logger
}

var DefaultServerOption = ServerOption{
	Name:            "dispatch-gateway",
	ReadTimeout:     time.Millisecond * 2500,
	WriteTimeout:    time.Millisecond * 2500,
	IdleTimeout:     time.Second * 10,
	ReadBufferSize:  1024 * 4,
	WriteBufferSize: 1024 * 4,
	// batch requests carry up to 100 dispatches plus metadata
	MaxRequestBodySize: 1024 * 1024,
	Concurrency:        10_000,
	MaxConnsPerIP:      1_000,
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func (o ServerOption) withDefaults() ServerOption {
	d := DefaultServerOption
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	if o.MaxRequestBodySize <= 0 {
		o.MaxRequestBodySize = d.MaxRequestBodySize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxConnsPerIP <= 0 {
		o.MaxConnsPerIP = d.MaxConnsPerIP
	}
	if o.Logger == nil {
		o.Logger = logger.GetLogger()
	}
	return o
}

func NewServer(option ServerOption) *Engine {
	option = option.withDefaults()
	return &Engine{
		Server: &fasthttp.Server{
			Name:                  option.Name,
			ReadTimeout:           option.ReadTimeout,
			WriteTimeout:          option.WriteTimeout,
			IdleTimeout:           option.IdleTimeout,
			ReadBufferSize:        option.ReadBufferSize,
			WriteBufferSize:       option.WriteBufferSize,
			MaxRequestBodySize:    option.MaxRequestBodySize,
			Concurrency:           option.Concurrency,
			MaxConnsPerIP:         option.MaxConnsPerIP,
			TCPKeepalive:          true,
			NoDefaultServerHeader: true,
			NoDefaultContentType:  true,
			CloseOnShutdown:       true,
			Logger:                option.Logger,
			ErrorHandler: func(ctx *RequestCtx, err error) {
				logger.Error("[xhttp] request error", "error", err)
			},
		},
		Router: CreateDefaultRouter(),
		option: option,
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption)
}

func (e *Engine) ListenAndServe(addr string) error {
	if err := e.DoRouting(); err != nil {
		return err
	}
	e.Server.Logger.Printf("[xhttp] server is listening on %s", addr)
	return e.Server.ListenAndServe(addr)
}

// DoRouting installs the router as the root handler and wraps it with the
// registered middlewares; the first registered middleware runs first.
func (e *Engine) DoRouting() error {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			e.Server.Logger.Printf("[xhttp] method: %s, path: %s", method, r)
		}
	}
	e.Server.Handler = e.Handler()
	return nil
}

// Handler returns the router wrapped by every middleware in registration order.
func (e *Engine) Handler() RequestHandler {
	h := e.Router.Handler
	middle := slices.Clone(e.middle)
	slices.Reverse(middle)
	for _, m := range middle {
		h = m(h)
	}
	for i, m := range e.middle {
		e.Server.Logger.Printf("[xhttp] middleware %d registered - %s", i+1, runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	return h
}

// Use adds middleware to the chain which is run for every request.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// CloseOnSignal shuts the server down on SIGINT/SIGTERM and closes done afterwards.
func (e *Engine) CloseOnSignal(done chan<- struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		e.Shutdown()
		if done != nil {
			close(done)
		}
	}()
}

// Shutdown gracefully shuts down the server without interrupting any active connections.
func (e *Engine) Shutdown() {
	e.Server.Logger.Printf("[xhttp] server is shutting down, process id: %d", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		e.Server.Logger.Printf("[xhttp] error while shutting down: %v", err)
	}
}
