// Package marketdata carries book, trade and price updates from the engine
// to subscribers: a thin pub/sub transport adapter plus the engine-side
// publisher.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/pkg/models"
)

// PubSubBackend abstracts the pub/sub transport. Redis is the default
// backend; Kafka is available for deployments that already run it.
type PubSubBackend interface {
	// Publish broadcasts msg (JSON-encoded) on the channel.
	Publish(ctx context.Context, channel string, msg interface{}) error
	// Subscribe registers the handler for a channel. At most one
	// subscription per channel exists; a duplicate subscribe is a no-op.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
	// Unsubscribe tears the channel subscription down.
	Unsubscribe(ctx context.Context, channel string) error
	// Send delivers msg point-to-point to one API client's reply queue.
	Send(ctx context.Context, clientID string, msg interface{}) error
	Close() error
}

// RedisPubSub implements PubSubBackend on Redis pub/sub channels, with
// reply queues as Redis lists.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisPubSub wraps an existing Redis client.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		logger: logger,
		subs:   make(map[string]*redis.PubSub),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", channel, err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[channel]; ok {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, channel)
	// force the subscription onto the wire before returning so callers
	// never miss updates published right after Subscribe
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	r.subs[channel] = pubsub

	// go-redis reconnects the pub/sub connection with backoff and
	// re-subscribes on its own; the message channel stays open until
	// Unsubscribe closes it.
	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return nil
}

func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	pubsub, ok := r.subs[channel]
	if ok {
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return pubsub.Close()
}

func (r *RedisPubSub) Send(ctx context.Context, clientID string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode reply for %s: %w", clientID, err)
	}
	return r.client.LPush(ctx, models.ReplyQueue(clientID), data).Err()
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, pubsub := range r.subs {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn("failed to close subscription", zap.String("channel", channel), zap.Error(err))
		}
		delete(r.subs, channel)
	}
	return nil
}

// KafkaPubSub implements PubSubBackend on Kafka topics. Channels map to
// topics one-to-one; reply queues are topics as well.
type KafkaPubSub struct {
	brokers []string
	groupID string
	logger  *zap.Logger
	writer  *kafka.Writer

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewKafkaPubSub creates a Kafka-backed transport.
func NewKafkaPubSub(brokers []string, groupID string, logger *zap.Logger) *KafkaPubSub {
	return &KafkaPubSub{
		brokers: brokers,
		groupID: groupID,
		logger:  logger,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
		subs: make(map[string]context.CancelFunc),
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", channel, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: channel, Value: data})
}

func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.subs[channel]; ok {
		return nil
	}

	readCtx, cancel := context.WithCancel(context.Background())
	k.subs[channel] = cancel
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   channel,
		GroupID: k.groupID,
	})

	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(readCtx)
			if err != nil {
				if readCtx.Err() != nil {
					return
				}
				k.logger.Warn("kafka read failed, retrying",
					zap.String("channel", channel), zap.Error(err))
				select {
				case <-readCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			handler(m.Value)
		}
	}()
	return nil
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cancel, ok := k.subs[channel]; ok {
		cancel()
		delete(k.subs, channel)
	}
	return nil
}

func (k *KafkaPubSub) Send(ctx context.Context, clientID string, msg interface{}) error {
	return k.Publish(ctx, models.ReplyQueue(clientID), msg)
}

func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	for channel, cancel := range k.subs {
		cancel()
		delete(k.subs, channel)
	}
	k.mu.Unlock()
	return k.writer.Close()
}
