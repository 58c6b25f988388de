package services

import (
	"context"
	"strings"
	"sync"
	"time"

	gateway "github.com/fleetillo/dispatch-gateway/internal/gateways"
	"github.com/fleetillo/dispatch-gateway/internal/model"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type AdapterSource interface {
	Adapters() []gateway.Adapter
}

type HealthService struct {
	db       Pinger
	queue    Pinger
	adapters AdapterSource
	version  string
	timeout  time.Duration
	now      func() time.Time
}

// NewHealthService builds the health checker; queue may be nil when delivery runs inline.
func NewHealthService(db Pinger, queue Pinger, adapters AdapterSource, version string) *HealthService {
	return &HealthService{
		db:       db,
		queue:    queue,
		adapters: adapters,
		version:  version,
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

func (s *HealthService) Check(ctx context.Context) *model.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]model.ComponentHealth)
	)
	set := func(name string, h model.ComponentHealth) {
		mu.Lock()
		components[name] = h
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		set("database", pingHealth(ctx, s.db, "Database connected"))
	}()
	if s.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set("queue", pingHealth(ctx, s.queue, "Queue connected"))
		}()
	}
	if s.adapters != nil {
		for _, a := range s.adapters.Adapters() {
			wg.Add(1)
			go func(a gateway.Adapter) {
				defer wg.Done()
				set(string(a.ChannelType()), adapterHealth(ctx, a))
			}(a)
		}
	}
	wg.Wait()

	return &model.HealthReport{
		Status:     overallHealth(components),
		Timestamp:  s.now().UTC(),
		Version:    s.version,
		Components: components,
	}
}

func pingHealth(ctx context.Context, p Pinger, okMessage string) model.ComponentHealth {
	if p == nil {
		return model.ComponentHealth{Status: model.HealthUnhealthy, Message: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return model.ComponentHealth{Status: model.HealthUnhealthy, Message: err.Error()}
	}
	return model.ComponentHealth{Status: model.HealthHealthy, Message: okMessage}
}

// adapterHealth reports an unconfigured provider as degraded rather than down.
func adapterHealth(ctx context.Context, a gateway.Adapter) model.ComponentHealth {
	hs := a.HealthCheck(ctx)
	h := model.ComponentHealth{Status: model.HealthHealthy, Message: hs.Message}
	if !hs.Healthy {
		h.Status = model.HealthUnhealthy
		if strings.Contains(strings.ToLower(hs.Message), "not configured") {
			h.Status = model.HealthDegraded
		}
	}
	if r, ok := a.(gateway.StatsReporter); ok {
		h.Details = map[string]any{"provider": r.ProviderStats()}
	}
	return h
}

func overallHealth(components map[string]model.ComponentHealth) model.HealthState {
	if db, ok := components["database"]; ok && db.Status == model.HealthUnhealthy {
		return model.HealthUnhealthy
	}
	state := model.HealthHealthy
	for _, c := range components {
		switch c.Status {
		case model.HealthUnhealthy:
			return model.HealthUnhealthy
		case model.HealthDegraded:
			state = model.HealthDegraded
		}
	}
	return state
}
