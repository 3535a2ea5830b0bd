package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig tunes the fulfillment event consumer.
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	SessionTime   time.Duration
	Heartbeat     time.Duration
	FetchMaxBytes int32
	// FromStart begins at the earliest offset when the group has none;
	// the audit trail wants the full history, not just the tail.
	FromStart bool
}

// DefaultConsumerConfig suits the event monitor. Offsets are committed
// only after the handler succeeds, so a crash replays rather than drops
// events.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "fulfillment-monitor",
		SessionTime:   30 * time.Second,
		Heartbeat:     3 * time.Second,
		FetchMaxBytes: 16 * 1024 * 1024,
		FromStart:     true,
	}
}

// ConsumedMessage is one record handed to the handler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler processes one consumed record. Returning an error
// leaves the offset uncommitted so the record is redelivered.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Consumer reads fulfillment topics with at-least-once delivery.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumed atomic.Int64
	failed   atomic.Int64
}

// NewConsumer builds a group consumer over the configured topics.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTime),
		kgo.HeartbeatInterval(cfg.Heartbeat),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll()
	}()
}

// Stop drains the poll loop, commits whatever the handler finished, and
// closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("final offset commit failed", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) poll() {
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			c.failed.Add(1)
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}
		fetches.EachRecord(c.handleRecord)
	}
}

func (c *Consumer) handleRecord(record *kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_event",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		c.logger.Error("event handler failed, offset not committed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}

	c.consumed.Add(1)
	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		span.RecordError(err)
		c.logger.Error("offset commit failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
}

// ConsumerStats is a snapshot of consumption counters.
type ConsumerStats struct {
	Consumed int64
	Failed   int64
}

// Stats reports how many records the handler has processed and failed.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Failed:   c.failed.Load(),
	}
}
