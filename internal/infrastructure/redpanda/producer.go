// Package redpanda carries the fulfillment event stream over a
// Kafka-compatible broker with franz-go. The outbox relay produces onto
// it; the event monitor consumes from it.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig tunes batching and delivery for the outbox relay.
type ProducerConfig struct {
	Brokers            []string
	BatchMaxBytes      int32
	Linger             time.Duration
	MaxBufferedRecords int
	RecordRetries      int
	RetryBackoff       time.Duration
}

// DefaultProducerConfig is tuned for durable, ordered relay. Events are
// audit records, so the producer always waits for all in-sync replicas
// and batches are lz4-compressed.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		BatchMaxBytes:      1 << 20,
		Linger:             25 * time.Millisecond,
		MaxBufferedRecords: 100_000,
		RecordRetries:      3,
		RetryBackoff:       100 * time.Millisecond,
	}
}

// Producer publishes fulfillment events keyed by folio so per-folio
// ordering survives partitioning.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	produced atomic.Int64
	failed   atomic.Int64
}

// NewProducer connects a producing client with acks=all and idempotent
// delivery.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.RecordRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// ProduceMessage publishes one record and waits for the broker ack, so
// the relay only marks an outbox entry processed once the event is
// durable.
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_event",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		p.logger.Error("produce failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	p.produced.Add(1)
	return nil
}

// Flush blocks until buffered records are acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes with a bounded wait and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats is a snapshot of delivery counters.
type ProducerStats struct {
	Produced int64
	Failed   int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Produced: p.produced.Load(), Failed: p.failed.Load()}
}

// injectTraceHeaders stamps the W3C traceparent header so consumers can
// link their spans back to the dispense that emitted the event.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID(), sc.SpanID(), sc.TraceFlags())),
	})
}
