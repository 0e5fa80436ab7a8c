// Package bus provides the event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-security/kestrel/internal/domain"
)

// ChannelBus is the in-process bus for the Community tier. Fanout is
// per tenant and topic; a backlogged subscriber drops messages rather
// than blocking the evaluation pipeline.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	subs   map[string][]*channelSub
	closed bool
}

type channelSub struct {
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChannelBus creates an in-process bus with the given per-subscriber
// inbox size.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		buffer: bufferSize,
		subs:   make(map[string][]*channelSub),
	}
}

// Publish fans a message out to every subscriber of the tenant's topic.
// Delivery is best effort: a full inbox drops the message for that
// subscriber only.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.subs[subKey(tenantID, topic)]
	b.mu.RUnlock()

	msg := newMessage(tenantID, topic, payload)
	for _, s := range subs {
		select {
		case s.inbox <- msg:
		default:
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				slog.Warn("subscriber backlogged, dropping messages",
					"topic", topic,
					"tenant_id", tenantID,
					"dropped", n,
				)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for the tenant's topic and starts its
// delivery goroutine, which runs until the subscription or the given
// context ends.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	s := &channelSub{
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		done:    make(chan struct{}),
	}
	key := subKey(tenantID, topic)
	b.subs[key] = append(b.subs[key], s)

	go s.deliver(ctx)
	return s, nil
}

func (s *channelSub) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.inbox:
			if err := s.handler(ctx, msg); err != nil {
				slog.Warn("message handler failed",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping reports whether the bus accepts traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	b.subs = make(map[string][]*channelSub)
	return nil
}

func subKey(tenantID, topic string) string {
	return tenantID + "/" + topic
}

func (s *channelSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery. Messages already buffered are discarded.
func (s *channelSub) Unsubscribe() error {
	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSub) Topic() string {
	return s.topic
}
