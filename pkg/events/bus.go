// Package events fans progress events out to in-process subscribers and a message broker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

const (
	// subscriberBuffer is how many events a slow subscriber may lag behind before events are dropped
	subscriberBuffer = 64
	publishTimeout   = 2 * time.Second
)

// Publisher sends an event body to an exchange with a routing key
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// NopPublisher is used when no broker is configured or reachable
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }

func (NopPublisher) Close() {}

// RoutingKey returns the broker routing key of an event, e.g. transfer.relaying
func RoutingKey(ev models.ProgressEvent) string {
	return "transfer." + string(ev.Status)
}

type subscription struct {
	transferID string
	ch         chan models.ProgressEvent
}

// Bus delivers every published event to matching subscribers and to the broker
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	publisher Publisher
	exchange  string
	logger    logger.Logger
}

// NewBus creates a bus. A nil publisher disables broker publication.
func NewBus(publisher Publisher, exchange string, l logger.Logger) *Bus {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Bus{
		subs:      make(map[uint64]*subscription),
		publisher: publisher,
		exchange:  exchange,
		logger:    l,
	}
}

// Subscribe returns a channel of events for transferID (every transfer when empty)
// and a function that unsubscribes and closes the channel
func (b *Bus) Subscribe(transferID string) (<-chan models.ProgressEvent, func()) {
	sub := &subscription{transferID: transferID, ch: make(chan models.ProgressEvent, subscriberBuffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish never blocks on subscribers: a full subscriber misses the event.
// Broker failures are logged and never propagate to the caller.
func (b *Bus) Publish(ctx context.Context, ev models.ProgressEvent) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.transferID != "" && sub.transferID != ev.TransferID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsPublished.WithLabelValues("dropped").Inc()
			b.logger.Debug("Dropped event %s/%d for a slow subscriber", ev.TransferID, ev.LegIndex)
		}
	}
	b.mu.RUnlock()

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(pubCtx, b.exchange, RoutingKey(ev), ev); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		b.logger.Error("Failed to publish event for transfer %s leg %d: %v", ev.TransferID, ev.LegIndex, err)
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases the broker connection
func (b *Bus) Close() {
	b.publisher.Close()
}

// Notifier is the publishing side of the bus
type Notifier interface {
	Publish(ctx context.Context, ev models.ProgressEvent)
}

// LegEvent describes the current status of a leg of t
func LegEvent(t *models.Transfer, legIndex int) models.ProgressEvent {
	ev := models.ProgressEvent{
		TransferID:    t.ID,
		LegIndex:      legIndex,
		TransferState: t.State(),
		Cancelled:     t.Cancelled(),
		At:            t.UpdatedAt,
	}
	if legIndex >= 0 && legIndex < len(t.Legs) {
		leg := t.Legs[legIndex]
		ev.Status = leg.Status
		if leg.Failure != nil {
			ev.Error = leg.Failure.Message
		}
	}
	return ev
}
