package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/redis/go-redis/v9"
)

// RedisEventBus fans events out through Redis pub/sub so several backend
// processes can serve subscribers of the same workspace.
type RedisEventBus struct {
	client *redis.Client
	logger Logger
}

func NewRedisEventBus(redisURL string, logger Logger) (*RedisEventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisEventBus{client: client, logger: logger}, nil
}

func NewRedisEventBusWithClient(client *redis.Client, logger Logger) *RedisEventBus {
	return &RedisEventBus{client: client, logger: logger}
}

func (b *RedisEventBus) Publish(ctx context.Context, ev BusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, busChannel(ev.WorkspaceID, ev.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are delivered.
func (b *RedisEventBus) Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (BusSubscription, error) {
	pubsub := b.client.Subscribe(ctx, busChannel(workspaceID, topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan BusEvent, busBufferSize),
		done:   make(chan struct{}),
	}
	go sub.forward(b.logger)
	return sub, nil
}

func (b *RedisEventBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan BusEvent
	once   sync.Once
	done   chan struct{}
}

func (s *redisSubscription) forward(logger Logger) {
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev BusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				if logger != nil {
					logger.Printf("dropping undecodable bus message on %s: %v", msg.Channel, err)
				}
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan BusEvent {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
