package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/storage"
)

// Notifier is the LISTEN side of the database.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out cluster events from Postgres LISTEN/NOTIFY to SSE
// subscribers. Subscribers are indexed by tenant, so an event is only ever
// offered to streams of the tenant it belongs to.
type Broker struct {
	db     Notifier
	logger *slog.Logger

	mu       sync.RWMutex
	byTenant map[uuid.UUID]map[chan []byte]struct{}
	tenantOf map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		db:       db,
		logger:   logger,
		byTenant: make(map[uuid.UUID]map[chan []byte]struct{}),
		tenantOf: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens on the cluster channel until ctx is cancelled. It blocks,
// so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelClusters); err != nil {
		b.logger.Error("broker: listen clusters", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelClusters)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		var ev storage.ClusterEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.TenantID == uuid.Nil {
			b.logger.Warn("broker: dropping malformed event", "channel", channel)
			continue
		}
		b.broadcast(ev.TenantID, formatSSE("cluster_"+ev.Event, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events for
// tenantID. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byTenant[tenantID]
	if subs == nil {
		subs = make(map[chan []byte]struct{})
		b.byTenant[tenantID] = subs
	}
	subs[ch] = struct{}{}
	b.tenantOf[ch] = tenantID
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. Unknown channels
// are ignored.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tenantID, ok := b.tenantOf[ch]
	if !ok {
		return
	}
	delete(b.tenantOf, ch)
	delete(b.byTenant[tenantID], ch)
	if len(b.byTenant[tenantID]) == 0 {
		delete(b.byTenant, tenantID)
	}
	close(ch)
}

// broadcast offers an event to the tenant's subscribers. A subscriber whose
// buffer is full misses the event rather than stalling the others.
func (b *Broker) broadcast(tenantID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.byTenant[tenantID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, event dropped", "tenant_id", tenantID)
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
