package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the fulfillment pipeline. Folio is always the record
// key, so every event for a prescription lands on one partition in
// order.
const (
	TopicFulfillmentEvents = "fulfillment.events"
	TopicDeadLetter        = "dead.letter"
)

// topicSpec describes one topic the relay needs.
type topicSpec struct {
	name       string
	partitions int32
	replicas   int16
	retention  time.Duration
}

// Events are kept a month as the queryable audit window; dead letters
// only need to survive until an operator inspects them. Replication is
// 1 for single-node dev; production clusters raise it via broker
// defaults.
var pipelineTopics = []topicSpec{
	{name: TopicFulfillmentEvents, partitions: 6, replicas: 1, retention: 30 * 24 * time.Hour},
	{name: TopicDeadLetter, partitions: 3, replicas: 1, retention: 7 * 24 * time.Hour},
}

// Admin creates and inspects the pipeline topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to the brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(base), logger: logger}, nil
}

// EnsureTopics creates the pipeline topics, tolerating ones that already
// exist.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, spec := range pipelineTopics {
		retention := fmt.Sprintf("%d", spec.retention.Milliseconds())
		compression := "lz4"
		configs := map[string]*string{
			"retention.ms":     &retention,
			"compression.type": &compression,
		}

		resp, err := a.client.CreateTopics(ctx, spec.partitions, spec.replicas, configs, spec.name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.name, err)
		}
		for _, r := range resp {
			switch {
			case r.Err == nil:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", spec.partitions))
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			default:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
	}
	return nil
}

// GroupLag reports per-partition lag for a consumer group, keyed by
// topic.
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lag: %w", err)
	}

	out := make(map[string]map[int32]int64)
	described.Each(func(g kadm.DescribedGroupLag) {
		for topic, partitions := range g.Lag {
			if out[topic] == nil {
				out[topic] = make(map[int32]int64, len(partitions))
			}
			for partition, lag := range partitions {
				out[topic][partition] = lag.Lag
			}
		}
	})
	return out, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a short deadline.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()
	return client.Ping(ctx)
}
