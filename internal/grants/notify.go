package grants

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ChangeChannel carries grant-change events: the payload is the changed
// principal id, or Everyone for a bulk resynchronization.
const ChangeChannel = "grants.changed"

// Notifier broadcasts that a principal's grants changed.
type Notifier interface {
	GrantsChanged(ctx context.Context, principalID string) error
}

// RedisNotifier publishes grant-change events over Redis pub/sub so sibling
// instances can react to writes they did not perform.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier instantiates the notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// GrantsChanged publishes the principal id on the change channel.
func (n *RedisNotifier) GrantsChanged(ctx context.Context, principalID string) error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Publish(ctx, ChangeChannel, principalID).Err()
}

// Listen subscribes to the change channel and invokes fn with each changed
// principal id until ctx is cancelled.
func (n *RedisNotifier) Listen(ctx context.Context, fn func(principalID string)) error {
	if n == nil || n.client == nil {
		return nil
	}
	pubsub := n.client.Subscribe(ctx, ChangeChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return nil
}
