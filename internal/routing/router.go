// Package routing decides which channels a dispatch goes out on.
package routing

import (
	"sync"

	"github.com/fleetillo/dispatch-gateway/internal/model"
)

// CapabilityProvider reports whether a channel can currently reach a driver.
// Channel adapters implement it.
type CapabilityProvider interface {
	CanSend(driver *model.Driver) bool
}

// Router is safe for concurrent use. Capability registration may happen
// while dispatches are being resolved.
type Router struct {
	mu           sync.RWMutex
	capabilities map[model.Channel]CapabilityProvider
}

func NewRouter() *Router {
	return &Router{capabilities: make(map[model.Channel]CapabilityProvider)}
}

// RegisterCapability overrides the driver-field check for one channel.
func (r *Router) RegisterCapability(channel model.Channel, provider CapabilityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[channel] = provider
}

func (r *Router) capability(channel model.Channel) (CapabilityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.capabilities[channel]
	return p, ok && p != nil
}

func (r *Router) HasValidConfiguration(driver *model.Driver, channel model.Channel) bool {
	if driver == nil || !channel.IsSupported() {
		return false
	}
	if p, ok := r.capability(channel); ok {
		return p.CanSend(driver)
	}
	return driver.ContactFor(channel) != ""
}

// GetAvailableChannels lists the driver's usable channels in priority order.
func (r *Router) GetAvailableChannels(driver *model.Driver) []model.Channel {
	available := make([]model.Channel, 0, len(model.SupportedChannels))
	for _, ch := range model.SupportedChannels {
		if r.HasValidConfiguration(driver, ch) {
			available = append(available, ch)
		}
	}
	return available
}

// ResolveChannels picks the channels for one dispatch. Precedence: explicit
// request channels, multi-channel, driver preference, default, first available.
// An empty result means the driver cannot be reached.
func (r *Router) ResolveChannels(req model.DispatchRequest, driver *model.Driver) []model.Channel {
	available := r.GetAvailableChannels(driver)
	if len(available) == 0 {
		return []model.Channel{}
	}

	if len(req.Channels) > 0 {
		requested := make([]model.Channel, 0, len(req.Channels))
		for _, ch := range req.Channels {
			if contains(available, ch) && !contains(requested, ch) {
				requested = append(requested, ch)
			}
		}
		if len(requested) > 0 {
			return requested
		}
	}

	if req.MultiChannel {
		return available
	}

	if driver.PreferredChannel != nil && contains(available, *driver.PreferredChannel) {
		return []model.Channel{*driver.PreferredChannel}
	}

	if contains(available, model.DefaultChannel) {
		return []model.Channel{model.DefaultChannel}
	}
	return []model.Channel{available[0]}
}

// GetFallbackChannel returns the channel to retry on after failed, if the driver allows it.
func (r *Router) GetFallbackChannel(driver *model.Driver, failed model.Channel) (model.Channel, bool) {
	if driver == nil || !driver.FallbackEnabled {
		return "", false
	}
	for _, ch := range r.GetAvailableChannels(driver) {
		if ch != failed {
			return ch, true
		}
	}
	return "", false
}

func contains(list []model.Channel, ch model.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}
