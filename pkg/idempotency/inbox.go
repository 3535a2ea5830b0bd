// Package idempotency implements a Postgres-backed inbox so a retried
// dispense replays its stored result instead of draining stock twice.
// Keys are deterministic hashes of the dispense identity; callers may
// also supply their own key via the X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle of an inbox entry. STARTED entries older than
// the recovery timeout are treated as crashed handlers and retried.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage is returned when an entry exists and is neither
	// finished nor recoverable.
	ErrDuplicateMessage = errors.New("idempotency key already claimed")

	// ErrMessageInProgress is returned while another handler holds the key.
	ErrMessageInProgress = errors.New("request still in flight under this key")
)

// InboxEntry mirrors one row of the inbox table.
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig tunes entry retention and error classification.
type InboxConfig struct {
	// DefaultTTL bounds how long a stored result can be replayed.
	DefaultTTL time.Duration
	// CleanupInterval is the sweep cadence for expired entries.
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may sit before it is
	// presumed crashed and offered for reprocessing.
	RecoveryTimeout time.Duration
	// IsTerminal classifies handler errors. Terminal failures are stored
	// as FAILED and never retried under the same key; everything else is
	// RECOVERABLE. When nil, all failures are recoverable.
	IsTerminal func(error) bool
}

// DefaultInboxConfig keeps results replayable for a week.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox claims idempotency keys in Postgres and stores handler results
// for replay.
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// NewInbox builds an inbox over the given pool. Call StartCleanup to
// begin expiring old entries and Stop to halt it.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult reports whether the handler actually ran and carries the
// (possibly replayed) result bytes.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the guarded handler.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per key. A finished entry short-circuits
// with the stored result; a failed entry stays failed; a stale STARTED
// entry is reclaimed and rerun.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("key %s failed terminally on a previous attempt", key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.cfg.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Presumed crashed; release the key and fall through.
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("reclaim stale entry: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.cfg.IsTerminal != nil && i.cfg.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, failure); err != nil {
			i.logger.Error("inbox failure status not recorded",
				zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler committed; a lost FINISHED mark means one extra retry
	// attempt against the domain's own guards, not a lost result.
	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("inbox result not stored", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// GenerateKey derives a deterministic key from the identity of one
// dispense. The timestamp is truncated to the minute so immediate client
// retries collapse onto the same key.
func GenerateKey(actorID, lineItemID, lot string, quantity int, timestamp time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%s",
		actorID, lineItemID, lot, quantity,
		timestamp.Truncate(time.Minute).Format(time.RFC3339))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	const q = `
		SELECT idempotency_key, handler_name, status, payload, result,
		       created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`

	var e InboxEntry
	err := i.pool.QueryRow(ctx, q, key).Scan(
		&e.IdempotencyKey, &e.HandlerName, &e.Status, &e.Payload,
		&e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// claim inserts the key as STARTED, or takes over an existing row only
// if it is RECOVERABLE. Any other conflict means the key is taken.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	const q = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`

	var claimed string
	err := i.pool.QueryRow(ctx, q, key, handlerName, StatusStarted, payload,
		time.Now().Add(i.cfg.DefaultTTL)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("claim key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	const q = `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`
	_, err := i.pool.Exec(ctx, q, status, result, key)
	return err
}

// StartCleanup launches the background sweep of expired entries.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started",
		zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop halts the cleanup sweep. Safe to call once after StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanup(ctx context.Context) error {
	const q = `DELETE FROM inbox WHERE expires_at < NOW()`
	tag, err := i.pool.Exec(ctx, q)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox entries expired", zap.Int64("deleted", n))
	}
	return nil
}

// RecoverStaleEntries releases STARTED entries older than the recovery
// timeout, typically called once at boot before serving traffic.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	const q = `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval`

	tag, err := i.pool.Exec(ctx, q, i.cfg.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InboxStats is a point-in-time census of entry statuses.
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats counts entries per status.
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	const q = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'STARTED'),
		       COUNT(*) FILTER (WHERE status = 'FINISHED'),
		       COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`

	var s InboxStats
	err := i.pool.QueryRow(ctx, q).Scan(
		&s.TotalEntries, &s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
