// Package circuitbreaker wraps sony/gobreaker for the outbox relay, so
// a down broker sheds publishes quickly instead of piling up retries
// against every outbox entry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config shapes when the breaker trips and how it probes recovery.
type Config struct {
	Name string
	// MaxRequests limits probes while half-open.
	MaxRequests uint32
	// Interval is the closed-state window for clearing counts.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// TripAfter opens the breaker on this many consecutive failures when
	// traffic is too thin for the ratio to be meaningful.
	TripAfter uint32
	// FailureRatio opens the breaker once MinRequests have been seen and
	// this share of them failed.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig suits broker publishes: trip fast on a dead broker,
// probe again after half a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		TripAfter:    5,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// CircuitBreaker instruments a gobreaker with traces and metrics.
type CircuitBreaker struct {
	inner  *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requests  metric.Int64Counter
	successes metric.Int64Counter
	failures  metric.Int64Counter
	rejected  metric.Int64Counter
}

// New builds the breaker and registers its meters.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}

	meter := otel.Meter("circuit-breaker")
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&cb.requests, "circuit_breaker_requests_total", "Requests offered to the breaker"},
		{&cb.successes, "circuit_breaker_successes_total", "Requests that completed"},
		{&cb.failures, "circuit_breaker_failures_total", "Requests that failed"},
		{&cb.rejected, "circuit_breaker_rejected_total", "Requests shed while open"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	cb.inner = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.TripAfter
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return cb, nil
}

// Execute runs fn through the breaker. While open, calls fail
// immediately with gobreaker.ErrOpenState.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "breaker_execute",
		trace.WithAttributes(attribute.String("breaker", c.name)))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	result, err := c.inner.Execute(fn)
	switch {
	case err == nil:
		c.successes.Add(ctx, 1, attrs)
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		c.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("shed", true))
	default:
		c.failures.Add(ctx, 1, attrs)
	}
	span.RecordError(err)
	return nil, err
}

// ExecuteWithFallback shunts to fallback only when the breaker itself
// rejected the call; real failures from fn propagate unchanged.
func (c *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func() (interface{}, error), fallback func(error) (interface{}, error)) (interface{}, error) {
	result, err := c.Execute(ctx, fn)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		c.logger.Warn("circuit open, using fallback",
			zap.String("breaker", c.name), zap.Error(err))
		return fallback(err)
	}
	return result, err
}

// State exposes the underlying breaker state.
func (c *CircuitBreaker) State() gobreaker.State {
	return c.inner.State()
}

// IsOpen reports whether calls are currently being shed.
func (c *CircuitBreaker) IsOpen() bool {
	return c.inner.State() == gobreaker.StateOpen
}

// Counts exposes the rolling window counters.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.inner.Counts()
}
