package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/poiesic/alexandria/tracker"
)

// Subscription receives decoded batch updates from Redis.
type Subscription struct {
	updates <-chan tracker.Update
	errors  <-chan error
	cancel  context.CancelFunc
}

// Updates returns the channel of decoded updates. It is closed when the
// subscription ends.
func (s *Subscription) Updates() <-chan tracker.Update {
	return s.updates
}

// Errors returns decoding errors. Messages that fail to decode are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return nil
}

// Subscribe follows the updates of one batch, or of every batch when batchID
// is empty. It returns once Redis has confirmed the subscription.
func (p *Publisher) Subscribe(ctx context.Context, batchID string) (*Subscription, error) {
	channel := AllBatchesChannel(p.prefix)
	if batchID != "" {
		channel = BatchChannel(p.prefix, batchID)
	}
	pubsub := p.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	updates := make(chan tracker.Update, 16)
	errs := make(chan error, 4)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(updates)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := forward(subCtx, msg, updates); err != nil {
					select {
					case errs <- err:
					default:
						p.logger.Warn("dropping subscription error", "channel", channel, "error", err)
					}
				}
			}
		}
	}()

	return &Subscription{updates: updates, errors: errs, cancel: cancel}, nil
}

func forward(ctx context.Context, msg *redis.Message, out chan<- tracker.Update) error {
	var u tracker.Update
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		return fmt.Errorf("failed to decode batch update on %s: %w", msg.Channel, err)
	}
	select {
	case out <- u:
	case <-ctx.Done():
	}
	return nil
}
