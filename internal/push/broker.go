package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/obslog"
)

// Envelope is one message addressed to a client ID. Payload is delivered to the socket as is.
type Envelope struct {
	ClientID string          `json:"client_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Broker fans envelopes out to every subscribed hub instance.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to fn until ctx is done or the broker is closed.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

// LocalBroker delivers within the process; enough for a single instance.
type LocalBroker struct {
	mu   sync.RWMutex
	subs []func(Envelope)
}

func NewLocalBroker() *LocalBroker { return &LocalBroker{} }

func (b *LocalBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	subs := make([]func(Envelope), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return nil
}

const redisChannel = "tablut:push"

// RedisBroker uses Redis Pub/Sub so that every instance sees every envelope.
type RedisBroker struct {
	rdb     *redis.Client
	channel string

	mu  sync.Mutex
	pss []*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, channel: redisChannel}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so publishes after this call are seen
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.mu.Lock()
	b.pss = append(b.pss, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					obslog.L().Warn("push_redis_decode_error", zap.Error(err))
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.pss {
		_ = ps.Close()
	}
	b.pss = nil
	return nil
}

// NewBroker builds the broker named by kind: local, redis or amqp.
func NewBroker(kind string, rdb *redis.Client, amqpURL string) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "local":
		return NewLocalBroker(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker needs a redis client")
		}
		return NewRedisBroker(rdb), nil
	case "amqp":
		return NewAMQPBroker(amqpURL)
	default:
		return nil, fmt.Errorf("unknown push broker %q", kind)
	}
}
