package queue

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
	"github.com/fleetillo/dispatch-gateway/pkg/prom"
	"github.com/fleetillo/dispatch-gateway/pkg/redis"
)

const (
	fieldData      = "data"
	fieldTimestamp = "timestamp"
	metaPrefix     = "meta_"

	// MetaDispatchID is set on every delivery task so stream entries can be traced without decoding.
	MetaDispatchID = "dispatch_id"
)

var ErrHandlerRequired = errors.New("message handler is required")

type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Attempts counts earlier deliveries of this entry; zero on first read.
	Attempts int
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler processes one message. A nil return acks it; an error leaves it
// pending so it is reclaimed after the visibility timeout.
type Handler func(ctx context.Context, msg *Message) error

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	Consumers         int
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "default-group"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Queue is a redis stream consumed through one consumer group.
type Queue struct {
	adapter redis.RedisAdapter
	config  QueueConfig
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

type QueueStats struct {
	TotalMessages   int64 `json:"total_messages"`
	PendingMessages int64 `json:"pending_messages"`
	ConsumerCount   int64 `json:"consumer_count"`
	DeadLetters     int64 `json:"dead_letters"`
}

func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if adapter == nil {
		return nil, errors.New("redis adapter is required")
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0"); err != nil && !isBusyGroup(err) {
		cancel()
		return nil, fmt.Errorf("failed to create consumer group %s: %w", config.ConsumerGroup, err)
	}
	return q, nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) DeadLetterName() string {
	return q.config.Name + ":dlq"
}

func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		fieldData:      string(data),
		fieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		values[metaPrefix+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	if q.config.MaxLen > 0 {
		if err := q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen); err != nil {
			logger.Warn("[queue] trim failed", "queue", q.config.Name, "error", err)
		}
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, v any, metadata map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.Publish(ctx, data, metadata)
}

// Schedule enqueues a delivery task for the processor.
func (q *Queue) Schedule(ctx context.Context, task model.DeliveryTask) error {
	id, err := q.PublishJSON(ctx, task, map[string]string{MetaDispatchID: task.DispatchID})
	if err != nil {
		return err
	}
	logger.Debug("[queue] delivery task published", "queue", q.config.Name, "dispatch_id", task.DispatchID, "entry_id", id)
	return nil
}

// Consume starts one read loop per configured consumer.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue consumer already started")
	}
	q.started = true
	q.handler = handler

	for i := 0; i < q.config.Consumers; i++ {
		consumer := q.config.ConsumerName
		if q.config.Consumers > 1 {
			consumer = fmt.Sprintf("%s-%d", q.config.ConsumerName, i)
		}
		q.wg.Add(1)
		go q.consumeLoop(consumer)
	}
	logger.Info("[queue] consuming", "queue", q.config.Name, "group", q.config.ConsumerGroup, "consumers", q.config.Consumers)
	return nil
}

func (q *Queue) consumeLoop(consumer string) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNew(consumer)
			q.reclaimStuck(consumer)
		}
	}
}

func (q *Queue) readNew(consumer string) {
	entries, err := q.adapter.XReadGroup(q.ctx, q.config.ConsumerGroup, consumer, q.config.Name, ">", q.config.BatchSize)
	if err != nil {
		if !errors.Is(err, redis.NilError) && q.ctx.Err() == nil {
			logger.Error("[queue] read failed", "queue", q.config.Name, "consumer", consumer, "error", err)
		}
		return
	}
	for _, entry := range entries {
		q.handle(toMessage(entry, 0))
	}
}

// reclaimStuck takes over entries idle past the visibility timeout, dead-lettering
// the ones that already used up their retries.
func (q *Queue) reclaimStuck(consumer string) {
	pending, err := q.adapter.XPendingExt(q.ctx, q.config.Name, q.config.ConsumerGroup, "-", "+", 100)
	if err != nil || len(pending) == 0 {
		return
	}

	attempts := make(map[string]int, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle < q.config.VisibilityTimeout {
			continue
		}
		attempts[p.ID] = int(p.RetryCount)
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := q.adapter.XClaim(q.ctx, q.config.Name, q.config.ConsumerGroup, consumer, q.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Error("[queue] claim failed", "queue", q.config.Name, "consumer", consumer, "error", err)
		return
	}
	for _, entry := range claimed {
		msg := toMessage(entry, attempts[entry.ID])
		if msg.Attempts > q.config.MaxRetries {
			q.deadLetter(msg)
			continue
		}
		q.handle(msg)
	}
}

func (q *Queue) handle(msg *Message) {
	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		logger.Warn("[queue] handler failed, message left pending",
			"queue", q.config.Name, "entry_id", msg.ID, "attempts", msg.Attempts, "error", err)
		return
	}
	q.ack(msg.ID)
}

func (q *Queue) ack(id string) {
	if err := q.adapter.XAck(q.ctx, q.config.Name, q.config.ConsumerGroup, id); err != nil {
		logger.Error("[queue] ack failed", "queue", q.config.Name, "entry_id", id, "error", err)
	}
}

func (q *Queue) deadLetter(msg *Message) {
	logger.Warn("[queue] max retries exceeded", "queue", q.config.Name, "entry_id", msg.ID, "attempts", msg.Attempts)
	if q.config.EnableDLQ {
		values := map[string]interface{}{
			fieldData:        string(msg.Data),
			"original_id":    msg.ID,
			"original_queue": q.config.Name,
			"attempts":       msg.Attempts,
			"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
		}
		for k, v := range msg.Metadata {
			values[metaPrefix+k] = v
		}
		if _, err := q.adapter.XAdd(q.ctx, q.DeadLetterName(), values); err != nil {
			logger.Error("[queue] dead-letter publish failed", "queue", q.config.Name, "entry_id", msg.ID, "error", err)
			return
		}
	}
	q.ack(msg.ID)
}

func toMessage(entry redis.StreamMessage, attempts int) *Message {
	msg := &Message{
		ID:       entry.ID,
		Metadata: make(map[string]string),
		Attempts: attempts,
	}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch {
		case k == fieldData:
			msg.Data = []byte(s)
		case k == fieldTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.Timestamp = ts
			}
		case strings.HasPrefix(k, metaPrefix):
			msg.Metadata[strings.TrimPrefix(k, metaPrefix)] = s
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for queue to stop")
	}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.adapter.Ping(ctx)
}

// GetStats reports stream sizes and publishes the pending gauge.
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{TotalMessages: total}

	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	if dlq, err := q.adapter.XLen(ctx, q.DeadLetterName()); err == nil {
		stats.DeadLetters = dlq
	}
	prom.SetQueuePending(q.config.Name, stats.PendingMessages)
	return stats, nil
}
