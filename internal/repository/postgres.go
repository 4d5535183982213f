// Package repository provides PostgreSQL-backed persistence for question-sets,
// items, display conditions, API keys, and set change events. It also handles
// LISTEN/NOTIFY-based cache invalidation so the service layer stays fresh
// without polling the database into submission.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showif/showif/internal/core"
)

const (
	defaultNotifyChannel  = "set_events"
	defaultEventBatchSize = 1000
)

// QuestionSet is the repository-level representation of a question_sets row.
type QuestionSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PostgresRepository implements question-set, item, API key, and event
// persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time cache invalidation, and satisfies
// [core.ItemRepository] so the engine can read items directly.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel name used for set event
// notifications.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per ListEventsSince
// query.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "set_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	repo := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(repo)
	}

	return repo
}

// CreateSet inserts a new question-set and returns the created record with
// server-generated timestamps. An empty ID is replaced with a fresh UUID.
func (r *PostgresRepository) CreateSet(ctx context.Context, set QuestionSet) (QuestionSet, error) {
	if set.ID == "" {
		set.ID = uuid.NewString()
	}

	var created QuestionSet
	err := r.pool.QueryRow(ctx, `
		INSERT INTO question_sets (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, name, description, created_at, updated_at
	`, set.ID, set.Name, set.Description).Scan(
		&created.ID,
		&created.Name,
		&created.Description,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return QuestionSet{}, fmt.Errorf("create question set: %w", err)
	}

	return created, nil
}

// GetSet retrieves a question-set by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetSet(ctx context.Context, id string) (QuestionSet, error) {
	var set QuestionSet
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM question_sets
		WHERE id = $1
	`, id).Scan(
		&set.ID,
		&set.Name,
		&set.Description,
		&set.CreatedAt,
		&set.UpdatedAt,
	)
	if err != nil {
		return QuestionSet{}, fmt.Errorf("get question set: %w", err)
	}

	return set, nil
}

// ListSets returns all question-sets ordered by name.
func (r *PostgresRepository) ListSets(ctx context.Context) ([]QuestionSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM question_sets
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list question sets: %w", err)
	}
	defer rows.Close()

	sets := make([]QuestionSet, 0)
	for rows.Next() {
		var set QuestionSet
		if err := rows.Scan(
			&set.ID,
			&set.Name,
			&set.Description,
			&set.CreatedAt,
			&set.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan question set: %w", err)
		}
		sets = append(sets, set)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list question sets rows: %w", err)
	}

	return sets, nil
}

// DeleteSet removes a question-set and, via ON DELETE CASCADE, all of its
// items. Returns pgx.ErrNoRows (wrapped) if the set does not exist.
func (r *PostgresRepository) DeleteSet(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM question_sets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete question set: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete question set: %w", pgx.ErrNoRows)
	}

	return nil
}

// CreateItem inserts an item at the next free seqno when Seqno is zero, or at
// the given position otherwise. An empty ID is replaced with a fresh UUID.
func (r *PostgresRepository) CreateItem(ctx context.Context, item core.Item) (core.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Condition.IsEmpty() {
		item.Condition = core.EmptyCondition()
	}

	var created core.Item
	err := r.pool.QueryRow(ctx, `
		INSERT INTO items (id, set_id, seqno, label, answer_type, options, condition)
		VALUES (
			$1, $2,
			CASE WHEN $3 > 0 THEN $3
			     ELSE (SELECT COALESCE(MAX(seqno), 0) + 1 FROM items WHERE set_id = $2)
			END,
			$4, $5, $6, $7
		)
		RETURNING id, set_id, seqno, label, answer_type, options, condition
	`,
		item.ID,
		item.SetID,
		item.Seqno,
		item.Label,
		item.AnswerType,
		item.Options,
		item.Condition,
	).Scan(
		&created.ID,
		&created.SetID,
		&created.Seqno,
		&created.Label,
		&created.AnswerType,
		&created.Options,
		&created.Condition,
	)
	if err != nil {
		return core.Item{}, fmt.Errorf("create item: %w", err)
	}

	return created, nil
}

// GetItem retrieves a single item by ID. It satisfies [core.ItemRepository]:
// a missing row reports found=false rather than an error.
func (r *PostgresRepository) GetItem(ctx context.Context, id string) (core.Item, bool, error) {
	var item core.Item
	err := r.pool.QueryRow(ctx, `
		SELECT id, set_id, seqno, label, answer_type, options, condition
		FROM items
		WHERE id = $1
	`, id).Scan(
		&item.ID,
		&item.SetID,
		&item.Seqno,
		&item.Label,
		&item.AnswerType,
		&item.Options,
		&item.Condition,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Item{}, false, nil
	}
	if err != nil {
		return core.Item{}, false, fmt.Errorf("get item: %w", err)
	}

	return item, true, nil
}

// ListItemsBySet returns all items of one question-set in ascending seqno
// order. It satisfies [core.ItemRepository].
func (r *PostgresRepository) ListItemsBySet(ctx context.Context, setID string) ([]core.Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, set_id, seqno, label, answer_type, options, condition
		FROM items
		WHERE set_id = $1
		ORDER BY seqno
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]core.Item, 0)
	for rows.Next() {
		var item core.Item
		if err := rows.Scan(
			&item.ID,
			&item.SetID,
			&item.Seqno,
			&item.Label,
			&item.AnswerType,
			&item.Options,
			&item.Condition,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items rows: %w", err)
	}

	return items, nil
}

// UpdateItem updates an item's label, answer type, and options. Seqno and
// condition have their own write paths ([MoveItem], [SaveCondition]). Returns
// pgx.ErrNoRows (wrapped) if the item does not exist in the given set.
func (r *PostgresRepository) UpdateItem(ctx context.Context, item core.Item) (core.Item, error) {
	var updated core.Item
	err := r.pool.QueryRow(ctx, `
		UPDATE items
		SET label = $3,
		    answer_type = $4,
		    options = $5,
		    updated_at = NOW()
		WHERE set_id = $1 AND id = $2
		RETURNING id, set_id, seqno, label, answer_type, options, condition
	`,
		item.SetID,
		item.ID,
		item.Label,
		item.AnswerType,
		item.Options,
	).Scan(
		&updated.ID,
		&updated.SetID,
		&updated.Seqno,
		&updated.Label,
		&updated.AnswerType,
		&updated.Options,
		&updated.Condition,
	)
	if err != nil {
		return core.Item{}, fmt.Errorf("update item: %w", err)
	}

	return updated, nil
}

// MoveItem reassigns an item to a new seqno, shifting the items in between by
// one inside a single transaction. The unique (set_id, seqno) constraint is
// deferred to commit, so intermediate states never collide. Returns
// pgx.ErrNoRows (wrapped) if the item does not exist in the given set.
func (r *PostgresRepository) MoveItem(ctx context.Context, setID, itemID string, newSeqno int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin move item tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx, `
		SELECT seqno FROM items WHERE set_id = $1 AND id = $2 FOR UPDATE
	`, setID, itemID).Scan(&current)
	if err != nil {
		return fmt.Errorf("move item: %w", err)
	}

	if current == newSeqno {
		return tx.Commit(ctx)
	}

	if newSeqno > current {
		_, err = tx.Exec(ctx, `
			UPDATE items SET seqno = seqno - 1, updated_at = NOW()
			WHERE set_id = $1 AND seqno > $2 AND seqno <= $3
		`, setID, current, newSeqno)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE items SET seqno = seqno + 1, updated_at = NOW()
			WHERE set_id = $1 AND seqno >= $3 AND seqno < $2
		`, setID, current, newSeqno)
	}
	if err != nil {
		return fmt.Errorf("shift seqnos: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE items SET seqno = $3, updated_at = NOW()
		WHERE set_id = $1 AND id = $2
	`, setID, itemID, newSeqno); err != nil {
		return fmt.Errorf("reassign seqno: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit move item tx: %w", err)
	}

	return nil
}

// DeleteItem removes an item and, in the same transaction, clears the
// conditions of any items that depended on it, so no stored condition is left
// dangling. The IDs of the cleared dependents are returned. Returns
// pgx.ErrNoRows (wrapped) if the item does not exist in the given set.
func (r *PostgresRepository) DeleteItem(ctx context.Context, setID, itemID string) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete item tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM items WHERE set_id = $1 AND id = $2`, setID, itemID)
	if err != nil {
		return nil, fmt.Errorf("delete item: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return nil, fmt.Errorf("delete item: %w", pgx.ErrNoRows)
	}

	rows, err := tx.Query(ctx, `
		UPDATE items SET condition = '{}', updated_at = NOW()
		WHERE set_id = $1 AND condition->'dependsOn'->>'itemId' = $2
		RETURNING id
	`, setID, itemID)
	if err != nil {
		return nil, fmt.Errorf("clear dependent conditions: %w", err)
	}

	cleared := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cleared dependent: %w", err)
		}
		cleared = append(cleared, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clear dependent rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete item tx: %w", err)
	}

	return cleared, nil
}

// SaveCondition replaces an item's display condition. Graph and schema
// validation happen in the service layer before this write. Returns
// pgx.ErrNoRows (wrapped) if the item does not exist in the given set.
func (r *PostgresRepository) SaveCondition(ctx context.Context, setID, itemID string, cond core.Condition) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE items SET condition = $3, updated_at = NOW()
		WHERE set_id = $1 AND id = $2
	`, setID, itemID, cond)
	if err != nil {
		return fmt.Errorf("save condition: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("save condition: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
