// ABOUTME: In-memory fan-out broadcaster for session updates.
// ABOUTME: Publishes manager relay events to per-connection and wildcard topics.

// Package broadcast provides in-memory pub/sub for session updates. The
// daemon feeds it from the connection manager's relay; consumers subscribe
// to one connection id, or to TopicAll for everything.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
)

// TopicAll receives updates from every connection.
const TopicAll = "*"

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Update is one published session change.
type Update struct {
	ConnectionID string
	Kind         string // "session" or "status"
	Session      connection.Session
	Status       connection.Status
}

// Broadcaster provides non-blocking fan-out of Updates. Slow subscribers
// drop events rather than stalling the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // topic -> subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on the given topic (a
// connection id, or TopicAll). Returns the receiving channel and a
// subscription id for Unsubscribe. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan Update, string) {
	subID := uuid.NewString()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Update)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an update to the connection's topic and to TopicAll.
// Non-blocking: the update is dropped for subscribers whose channels are
// full.
func (b *Broadcaster) Publish(update Update) {
	b.mu.RLock()
	targets := make([]chan Update, 0, 4)
	for _, topic := range []string{update.ConnectionID, TopicAll} {
		for _, ch := range b.subscribers[topic] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- update:
		default:
			b.logger.Debug("dropped update for slow subscriber",
				"connection_id", update.ConnectionID, "kind", update.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.logger.Debug("broadcaster closed")
}
