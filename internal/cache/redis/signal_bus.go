package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// fanoutStreamMaxLen caps the fan-out stream via XADD MAXLEN ~. Jobs older
// than the cap have long been drained or are no longer worth mirroring.
const fanoutStreamMaxLen int64 = 10000

// subscribeBuffer is the per-subscription delivery buffer. A websocket
// reader that stalls longer than this backlog starts losing messages, which
// is acceptable for UI events; the durable fan-out path uses streams.
const subscribeBuffer = 128

// payloadField is the single stream entry field carrying the serialized job.
const payloadField = "payload"

// SignalBus implements domain.SignalBus. Pub/Sub carries the ephemeral trade
// and feed events that websocket sessions relay to clients; streams carry
// the fan-out jobs that must survive a worker restart.
type SignalBus struct {
	client *Client
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends a payload to a Pub/Sub channel. Delivery is best-effort;
// subscribers that are not listening at publish time never see the message.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.Underlying().Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and returns the payload channel.
// Channel names containing glob wildcards subscribe by pattern, which is how
// a websocket session watches every feed at once. Cancelling ctx tears the
// subscription down and closes the returned channel.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.client.Underlying().PSubscribe(ctx, channel)
	} else {
		pubsub = sb.client.Underlying().Subscribe(ctx, channel)
	}

	// The first Receive is the subscription confirmation; a failure here
	// means nothing was ever delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamAppend appends a payload to a stream, trimming to the approximate
// cap. The fan-out worker consumes these entries in ID order.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: fanoutStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}
	if err := sb.client.Underlying().XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID without blocking; an
// empty stream yields an empty slice. "0" reads from the beginning and "$"
// skips everything already in the stream.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1, // non-blocking; callers own the poll cadence
	}

	results, err := sb.client.Underlying().XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if payload, ok := streamPayload(msg); ok {
				messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: payload})
			}
		}
	}
	return messages, nil
}

// streamPayload extracts the payload field from a stream entry. Entries
// written by other tooling without the field are skipped rather than failing
// the whole read.
func streamPayload(msg redis.XMessage) ([]byte, bool) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}
