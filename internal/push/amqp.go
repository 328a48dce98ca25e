package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/obslog"
)

const (
	amqpExchange    = "tablut.push"
	amqpRebindDelay = time.Second
)

// AMQPBroker publishes to a fanout exchange; each subscriber binds its own transient queue.
type AMQPBroker struct {
	conn     *amqp.Connection
	exchange string

	mu  sync.Mutex
	pub *amqp.Channel
}

func NewAMQPBroker(url string) (*AMQPBroker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("AMQP_URL is required for the amqp push broker")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	b := &AMQPBroker{conn: conn, exchange: amqpExchange}
	b.mu.Lock()
	_, err = b.channelLocked()
	b.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, env Envelope) error {
	// amqp channels are not safe for concurrent publishing
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	err = publishJSON(ctx, ch, b.exchange, "", env)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	// the channel died between the check and the publish; one retry on a fresh one
	b.dropLocked(ch)
	if ch, err = b.channelLocked(); err != nil {
		return err
	}
	return publishJSON(ctx, ch, b.exchange, "", env)
}

// channelLocked returns the publish channel, opening a new one when the previous one was closed.
// The caller holds b.mu.
func (b *AMQPBroker) channelLocked() (*amqp.Channel, error) {
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	if b.conn.IsClosed() {
		return nil, fmt.Errorf("amqp channel: %w", amqp.ErrClosed)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	b.pub = ch
	go b.watch(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))
	return ch, nil
}

// watch forgets ch once the server or the library closes it.
func (b *AMQPBroker) watch(ch *amqp.Channel, closed <-chan *amqp.Error) {
	if err := <-closed; err != nil {
		obslog.L().Warn("push_amqp_channel_closed", zap.Int("code", err.Code), zap.String("reason", err.Reason))
	}
	b.mu.Lock()
	b.dropLocked(ch)
	b.mu.Unlock()
}

func (b *AMQPBroker) dropLocked(ch *amqp.Channel) {
	if b.pub == ch {
		b.pub = nil
	}
}

// Subscribe binds a transient queue and rebinds it whenever its channel closes while the connection is up.
func (b *AMQPBroker) Subscribe(ctx context.Context, fn func(Envelope)) error {
	msgs, ch, err := b.consume()
	if err != nil {
		return err
	}
	go func() {
		for {
			b.deliver(ctx, msgs, fn)
			_ = ch.Close()
			if ctx.Err() != nil {
				return
			}
			for {
				if b.conn.IsClosed() {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(amqpRebindDelay):
				}
				if msgs, ch, err = b.consume(); err == nil {
					obslog.L().Info("push_amqp_resubscribed")
					break
				}
				obslog.L().Warn("push_amqp_resubscribe_error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (b *AMQPBroker) consume() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, q, err := declareAndBindTransient(b.conn, b.exchange)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp consume: %w", err)
	}
	return msgs, ch, nil
}

// deliver hands messages to fn until ctx ends or msgs closes.
func (b *AMQPBroker) deliver(ctx context.Context, msgs <-chan amqp.Delivery, fn func(Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				obslog.L().Warn("push_amqp_decode_error", zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}
			fn(env)
			_ = msg.Ack(false)
		}
	}
}

func (b *AMQPBroker) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func publishJSON[T any](ctx context.Context, ch *amqp.Channel, exchange, key string, val T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal amqp message: %w", err)
	}
	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	return nil
}

// declareAndBindTransient declares a server-named exclusive queue bound to exchange.
func declareAndBindTransient(conn *amqp.Connection, exchange string) (*amqp.Channel, amqp.Queue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, amqp.Queue{}, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, amqp.Queue{}, err
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, amqp.Queue{}, err
	}
	return ch, q, nil
}
