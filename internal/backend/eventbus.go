package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaytree/internal/remote"
)

// BusEvent is one change notification for a workspace. Data is the
// subscription data object, keyed by the topic's field name.
type BusEvent struct {
	WorkspaceID string          `json:"workspaceId"`
	Topic       remote.Topic    `json:"topic"`
	Data        json.RawMessage `json:"data"`
}

// EventBus fans change notifications out to subscribers of a workspace
// topic.
type EventBus interface {
	Publish(ctx context.Context, ev BusEvent) error
	Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (BusSubscription, error)
	Close() error
}

// BusSubscription delivers events until closed. The channel is closed when
// the subscription ends.
type BusSubscription interface {
	Events() <-chan BusEvent
	Close() error
}

const busBufferSize = 256

type MemoryEventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySubscription
	logger Logger
}

func NewMemoryEventBus(logger Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   map[string]map[int]*memorySubscription{},
		logger: logger,
	}
}

func (b *MemoryEventBus) Publish(_ context.Context, ev BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[busChannel(ev.WorkspaceID, ev.Topic)] {
		select {
		case sub.ch <- ev:
		default:
			if b.logger != nil {
				b.logger.Printf("event bus subscriber full; dropping %s event for %s", ev.Topic, ev.WorkspaceID)
			}
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(_ context.Context, workspaceID string, topic remote.Topic) (BusSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channel := busChannel(workspaceID, topic)
	id := b.nextID
	b.nextID++
	sub := &memorySubscription{
		ch: make(chan BusEvent, busBufferSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[channel][id]; !ok {
			return
		}
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		close(sub.ch)
	}
	if b.subs[channel] == nil {
		b.subs[channel] = map[int]*memorySubscription{}
	}
	b.subs[channel][id] = sub
	return sub, nil
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, channel)
	}
	return nil
}

type memorySubscription struct {
	ch     chan BusEvent
	once   sync.Once
	cancel func()
}

func (s *memorySubscription) Events() <-chan BusEvent {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// BuildEventBusFromDSN picks an event bus by DSN scheme. An empty DSN
// means the in-memory bus.
func BuildEventBusFromDSN(dsn string, logger Logger) (EventBus, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryEventBus(logger), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupEventBusFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryEventBus(logger), nil
	case "redis", "rediss":
		return NewRedisEventBus(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus scheme: %s", scheme)
	}
}

func busChannel(workspaceID string, topic remote.Topic) string {
	return "relaytree:" + workspaceID + ":" + string(topic)
}
