package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ChannelClusters carries cluster created/joined events.
const ChannelClusters = "kujo_clusters"

// ClusterEvent is the JSON payload published on ChannelClusters.
type ClusterEvent struct {
	Event       string    `json:"event"` // "created" or "joined"
	TenantID    uuid.UUID `json:"tenant_id"`
	ClusterID   uuid.UUID `json:"cluster_id"`
	ComplaintID uuid.UUID `json:"complaint_id"`
	Count       int       `json:"complaint_count"`
}

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify sends payload on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyCluster publishes a cluster event. Failures are logged, never
// returned: the mutation has already committed.
func (db *DB) notifyCluster(ctx context.Context, ev ClusterEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		db.logger.Warn("storage: marshal cluster event", "error", err)
		return
	}
	if err := db.Notify(ctx, ChannelClusters, string(payload)); err != nil {
		db.logger.Warn("storage: publish cluster event", "error", err, "cluster_id", ev.ClusterID)
	}
}
