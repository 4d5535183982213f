package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SetEvent represents a change event for a question-set, stored in the
// set_events table and used to drive SSE streaming and cache invalidation.
type SetEvent struct {
	EventID   int64           `json:"event_id"`
	SetID     string          `json:"set_id"`
	ItemID    string          `json:"item_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event types recorded in set_events.
const (
	EventItemCreated      = "item_created"
	EventItemUpdated      = "item_updated"
	EventItemMoved        = "item_moved"
	EventItemDeleted      = "item_deleted"
	EventConditionSaved   = "condition_saved"
	EventConditionCleared = "condition_cleared"
)

// PublishSetEvent inserts a set event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishSetEvent(ctx context.Context, event SetEvent) (SetEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return SetEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created SetEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO set_events (set_id, item_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, set_id, item_id, event_type, payload, created_at
	`,
		event.SetID,
		event.ItemID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.SetID,
		&created.ItemID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return SetEvent{}, fmt.Errorf("insert set event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return SetEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return SetEvent{}, fmt.Errorf("notify set event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SetEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns a batch of set events with IDs greater than eventID
// for one question-set, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, setID string, eventID int64) ([]SetEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, set_id, item_id, event_type, payload, created_at
		FROM set_events
		WHERE event_id > $1 AND set_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, setID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]SetEvent, 0)
	for rows.Next() {
		var event SetEvent
		if err := rows.Scan(
			&event.EventID,
			&event.SetID,
			&event.ItemID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// set event notification arrives on the PostgreSQL LISTEN channel. The channel
// is closed if the listener stops for good.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for set event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func marshalNotifyPayload(event SetEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		SetID     string `json:"set_id"`
		ItemID    string `json:"item_id,omitempty"`
		EventType string `json:"event_type"`
	}{
		SetID:     event.SetID,
		ItemID:    event.ItemID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
