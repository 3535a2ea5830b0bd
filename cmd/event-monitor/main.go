// Package main provides the event monitor service entry point. It
// consumes the fulfillment event stream and emits a structured audit log
// per event, fanned out over a bounded worker pool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hospimed/go-dispense/internal/infrastructure/redpanda"
	"github.com/hospimed/go-dispense/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = []string{b}
	}

	poolCfg := workerpool.DefaultConfig()
	pool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return auditEvent(task, logger)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	pool.Start()
	defer pool.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.Topics = []string{redpanda.TopicFulfillmentEvents, redpanda.TopicDeadLetter}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		return pool.Submit(&workerpool.Task{
			ID:      msg.Topic + "/" + string(msg.Key),
			Payload: msg,
			Context: ctx,
		})
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("event monitor started", zap.Strings("brokers", brokers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("event monitor stopped")
}

// auditEvent logs one fulfillment event. The payload layout is shared
// with the outbox writer; unknown fields are kept as raw JSON so dead
// letter envelopes log too.
func auditEvent(task *workerpool.Task, logger *zap.Logger) *workerpool.Result {
	msg, ok := task.Payload.(*redpanda.ConsumedMessage)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: errors.New("unexpected payload type")}
	}

	var payload struct {
		EventType string          `json:"event_type"`
		Folio     int64           `json:"folio"`
		ActorID   string          `json:"actor_id"`
		EventData json.RawMessage `json:"event_data"`
	}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		logger.Warn("unparseable event",
			zap.String("topic", msg.Topic),
			zap.ByteString("key", msg.Key),
			zap.Error(err))
		// Logged and acknowledged; redelivery would not fix it.
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}

	logger.Info("fulfillment event",
		zap.String("topic", msg.Topic),
		zap.String("event_type", payload.EventType),
		zap.Int64("folio", payload.Folio),
		zap.String("actor_id", payload.ActorID),
		zap.Int64("offset", msg.Offset))
	return &workerpool.Result{TaskID: task.ID, Success: true}
}
