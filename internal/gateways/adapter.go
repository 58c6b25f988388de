package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetillo/dispatch-gateway/internal/model"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

// UnknownError stands in for a failure that carried no usable message.
const UnknownError = "Unknown error occurred"

// Adapter delivers rendered messages over one channel.
type Adapter interface {
	ChannelType() model.Channel
	CanSend(driver *model.Driver) bool
	Send(ctx context.Context, msg *model.ChannelMessage) model.ChannelResult
	HealthCheck(ctx context.Context) model.HealthStatus
	IsConfigured() bool
}

// StatsReporter is implemented by adapters that talk to a remote provider.
type StatsReporter interface {
	ProviderStats() ProviderStats
}

func failed(channel model.Channel, sentAt time.Time, msg string) model.ChannelResult {
	return model.ChannelResult{Success: false, Channel: channel, Error: msg, SentAt: sentAt}
}

func delivered(channel model.Channel, sentAt time.Time, providerID string) model.ChannelResult {
	return model.ChannelResult{Success: true, Channel: channel, ProviderMessageID: providerID, SentAt: sentAt}
}

// guardSend turns a panic inside send into a failed result.
func guardSend(channel model.Channel, dispatchID string, send func(sentAt time.Time) model.ChannelResult) (res model.ChannelResult) {
	sentAt := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			msg := panicMessage(r)
			logger.Error("channel send panicked", "channel", channel, "dispatch_id", dispatchID, "error", msg)
			res = failed(channel, sentAt, msg)
		}
	}()
	return send(sentAt)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return UnknownError
}

func healthy(msg string) model.HealthStatus {
	return model.HealthStatus{Healthy: true, Message: msg, LastChecked: time.Now().UTC()}
}

func unhealthy(msg string) model.HealthStatus {
	return model.HealthStatus{Healthy: false, Message: msg, LastChecked: time.Now().UTC()}
}

func healthCheckFailed(err error) model.HealthStatus {
	return unhealthy(fmt.Sprintf("Health check failed: %s", err.Error()))
}
