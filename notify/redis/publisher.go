package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poiesic/alexandria/retry"
	"github.com/poiesic/alexandria/tracker"
)

// SnapshotTTL is how long the snapshot of a finished batch is kept.
const SnapshotTTL = 24 * time.Hour

// BatchChannel returns the channel carrying the updates of one batch.
func BatchChannel(prefix, batchID string) string {
	return fmt.Sprintf("%s:batch:%s", prefix, batchID)
}

// AllBatchesChannel returns the channel carrying the updates of every batch.
func AllBatchesChannel(prefix string) string {
	return prefix + ":batches"
}

// SnapshotKey returns the key holding the latest update of a batch.
func SnapshotKey(prefix, batchID string) string {
	return BatchChannel(prefix, batchID) + ":status"
}

// Publisher is a tracker.Listener that forwards batch updates to Redis.
type Publisher struct {
	rdb      *redis.Client
	prefix   string
	attempts int
	backoff  retry.Policy
	logger   *slog.Logger
}

var _ tracker.Listener = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithRetry sets how often a failed publish is attempted and how long to wait between attempts.
// Default is 2 attempts, 50ms apart. Publishing runs inside the tracker's update path,
// so keep this short.
func WithRetry(attempts int, backoff retry.Policy) Option {
	return func(p *Publisher) error {
		if attempts < 1 {
			return fmt.Errorf("attempts must be at least 1, got %d", attempts)
		}
		p.attempts = attempts
		p.backoff = backoff
		return nil
	}
}

// NewPublisher connects a publisher with the given options. Keys and channels
// are namespaced with prefix.
func NewPublisher(redisOpts *redis.Options, prefix string, opts ...Option) (*Publisher, error) {
	if redisOpts == nil {
		return nil, errors.New("redis options cannot be nil")
	}
	if prefix == "" {
		return nil, errors.New("prefix cannot be empty")
	}
	p := &Publisher{
		rdb:      redis.NewClient(redisOpts),
		prefix:   prefix,
		attempts: 2,
		backoff:  retry.Policy{Base: 50 * time.Millisecond, Max: 50 * time.Millisecond},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.rdb.Close()
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "redis-notifier")
	return p, nil
}

// Ping verifies Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}

// BatchUpdated stores the update as the batch snapshot and publishes it on
// the batch channel and the all-batches channel.
func (p *Publisher) BatchUpdated(ctx context.Context, u tracker.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal batch update: %w", err)
	}

	batchID := u.Batch.BatchID
	ttl := time.Duration(0)
	if u.Batch.Status.IsTerminal() {
		ttl = SnapshotTTL
	}

	err = retry.Do(ctx, func() error {
		pipe := p.rdb.TxPipeline()
		pipe.Set(ctx, SnapshotKey(p.prefix, batchID), payload, ttl)
		pipe.Publish(ctx, BatchChannel(p.prefix, batchID), payload)
		pipe.Publish(ctx, AllBatchesChannel(p.prefix), payload)
		_, err := pipe.Exec(ctx)
		return err
	}, p.attempts, p.backoff)
	if err != nil {
		return fmt.Errorf("failed to publish update of batch %s: %w", batchID, err)
	}
	p.logger.Debug("batch update published", "batch", batchID, "status", u.Batch.Status)
	return nil
}

// Snapshot returns the latest stored update of a batch.
func (p *Publisher) Snapshot(ctx context.Context, batchID string) (tracker.Update, error) {
	var u tracker.Update
	data, err := p.rdb.Get(ctx, SnapshotKey(p.prefix, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return u, fmt.Errorf("%w: %s", tracker.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return u, fmt.Errorf("failed to read snapshot of batch %s: %w", batchID, err)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("failed to decode snapshot of batch %s: %w", batchID, err)
	}
	return u, nil
}
