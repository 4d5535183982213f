// Package service coordinates the condition engine with persistence: it owns
// the per-set snapshot cache, serializes writes per question-set, and runs
// conditions through schema and graph validation before anything is stored.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/showif/showif/internal/core"
	"github.com/showif/showif/internal/repository"
)

const (
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
)

var (
	ErrSetNotFound  = errors.New("question set not found")
	ErrItemNotFound = errors.New("item not found")
)

// Repository is the persistence surface the service needs. Implemented by
// [repository.PostgresRepository].
type Repository interface {
	CreateSet(ctx context.Context, set repository.QuestionSet) (repository.QuestionSet, error)
	GetSet(ctx context.Context, id string) (repository.QuestionSet, error)
	ListSets(ctx context.Context) ([]repository.QuestionSet, error)
	DeleteSet(ctx context.Context, id string) error

	CreateItem(ctx context.Context, item core.Item) (core.Item, error)
	GetItem(ctx context.Context, id string) (core.Item, bool, error)
	ListItemsBySet(ctx context.Context, setID string) ([]core.Item, error)
	UpdateItem(ctx context.Context, item core.Item) (core.Item, error)
	MoveItem(ctx context.Context, setID, itemID string, newSeqno int) error
	DeleteItem(ctx context.Context, setID, itemID string) ([]string, error)
	SaveCondition(ctx context.Context, setID, itemID string, cond core.Condition) error

	ListEventsSince(ctx context.Context, setID string, eventID int64) ([]repository.SetEvent, error)
	PublishSetEvent(ctx context.Context, event repository.SetEvent) (repository.SetEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Advisory is a non-blocking hint returned from the condition write path when
// the chosen operator does not fit the dependency's answer type. It never
// prevents the save.
type Advisory struct {
	ItemID     string          `json:"itemId"`
	Operator   core.Operator   `json:"operator"`
	AnswerType core.AnswerType `json:"answerType"`
	Message    string          `json:"message"`
}

// Service is the engine host. All reads go through a per-set snapshot cache
// invalidated by repository LISTEN/NOTIFY signals; all writes to one
// question-set are serialized by a per-set mutex so concurrent condition saves
// cannot interleave their validate-then-write sequences.
type Service struct {
	repo   Repository
	logger *slog.Logger
	resync time.Duration

	mu    sync.RWMutex
	cache map[string]*core.SetSnapshot

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheUpdate       func(setID string, size float64)
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for soft-revalidation warnings and
// best-effort failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics registers callbacks fired on cache activity: onLoad when a
// set snapshot is loaded from the repository, onInvalidation when any cached
// snapshot is dropped, onReset when the whole cache is cleared, and onUpdate
// with the item count of a snapshot after it is cached. Any callback may be
// nil.
func WithCacheMetrics(onLoad, onInvalidation, onReset func(), onUpdate func(setID string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onReset
		s.onCacheUpdate = onUpdate
	}
}

// WithCacheResyncInterval overrides the periodic full cache drop interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resync = interval
		}
	}
}

// New builds a Service on top of repo and, when the repository supports it,
// starts the cache invalidation listener tied to ctx.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:   repo,
		logger: slog.Default(),
		resync: defaultCacheResyncInterval,
		cache:  make(map[string]*core.SetSnapshot),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// CreateSet creates a question-set. The name is required.
func (s *Service) CreateSet(ctx context.Context, set repository.QuestionSet) (repository.QuestionSet, error) {
	if strings.TrimSpace(set.Name) == "" {
		return repository.QuestionSet{}, errors.New("set name is required")
	}

	created, err := s.repo.CreateSet(ctx, set)
	if err != nil {
		return repository.QuestionSet{}, fmt.Errorf("create set: %w", err)
	}

	return created, nil
}

// GetSet retrieves a question-set by ID.
func (s *Service) GetSet(ctx context.Context, id string) (repository.QuestionSet, error) {
	set, err := s.repo.GetSet(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.QuestionSet{}, ErrSetNotFound
		}
		return repository.QuestionSet{}, fmt.Errorf("get set: %w", err)
	}

	return set, nil
}

// ListSets returns all question-sets.
func (s *Service) ListSets(ctx context.Context) ([]repository.QuestionSet, error) {
	sets, err := s.repo.ListSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}

	return sets, nil
}

// DeleteSet removes a question-set and all of its items.
func (s *Service) DeleteSet(ctx context.Context, id string) error {
	if err := s.repo.DeleteSet(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSetNotFound
		}
		return fmt.Errorf("delete set: %w", err)
	}

	s.invalidateSet(id)
	return nil
}

// ListItems returns the items of a question-set in display order.
func (s *Service) ListItems(ctx context.Context, setID string) ([]core.Item, error) {
	snap, err := s.snapshot(ctx, setID)
	if err != nil {
		return nil, err
	}

	return snap.Ordered(), nil
}

// GetItem retrieves one item of a question-set.
func (s *Service) GetItem(ctx context.Context, setID, itemID string) (core.Item, error) {
	snap, err := s.snapshot(ctx, setID)
	if err != nil {
		return core.Item{}, err
	}

	item, ok := snap.Get(itemID)
	if !ok {
		return core.Item{}, ErrItemNotFound
	}

	return item, nil
}

// CreateItem appends an item to a question-set, or inserts it at an explicit
// seqno. A non-empty condition on a new item must pass graph validation the
// same way a condition save would, which requires an explicit seqno.
func (s *Service) CreateItem(ctx context.Context, item core.Item) (core.Item, error) {
	if item.SetID == "" {
		return core.Item{}, errors.New("set id is required")
	}
	if _, err := s.GetSet(ctx, item.SetID); err != nil {
		return core.Item{}, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	unlock := s.lockSet(item.SetID)
	defer unlock()

	if !item.Condition.IsEmpty() {
		if item.Seqno <= 0 {
			return core.Item{}, errors.New("an explicit seqno is required to create an item with a condition")
		}
		owner := core.Owner{ID: item.ID, Seqno: item.Seqno, SetID: item.SetID}
		if err := core.ValidateGraph(ctx, item.Condition, owner, s.repo); err != nil {
			return core.Item{}, err
		}
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return core.Item{}, fmt.Errorf("create item: %w", err)
	}

	s.invalidateSet(created.SetID)
	s.publishEventBestEffort(ctx, repository.SetEvent{
		SetID:     created.SetID,
		ItemID:    created.ID,
		EventType: repository.EventItemCreated,
	}, created)

	return created, nil
}

// UpdateItem updates an item's label, answer type, and options.
func (s *Service) UpdateItem(ctx context.Context, item core.Item) (core.Item, error) {
	if item.SetID == "" || item.ID == "" {
		return core.Item{}, errors.New("set id and item id are required")
	}

	unlock := s.lockSet(item.SetID)
	defer unlock()

	updated, err := s.repo.UpdateItem(ctx, item)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Item{}, ErrItemNotFound
		}
		return core.Item{}, fmt.Errorf("update item: %w", err)
	}

	s.invalidateSet(updated.SetID)
	s.publishEventBestEffort(ctx, repository.SetEvent{
		SetID:     updated.SetID,
		ItemID:    updated.ID,
		EventType: repository.EventItemUpdated,
	}, updated)

	return updated, nil
}

// MoveItem reassigns an item's seqno. Reordering can retroactively break the
// strictly-earlier rule for stored conditions, so the whole set is
// re-validated in soft mode afterwards; any violations are returned as
// warnings and logged, never blocking the move.
func (s *Service) MoveItem(ctx context.Context, setID, itemID string, newSeqno int) ([]core.Warning, error) {
	if newSeqno < 1 {
		return nil, errors.New("seqno must be at least 1")
	}

	unlock := s.lockSet(setID)
	defer unlock()

	if err := s.repo.MoveItem(ctx, setID, itemID, newSeqno); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("move item: %w", err)
	}

	s.invalidateSet(setID)
	s.publishEventBestEffort(ctx, repository.SetEvent{
		SetID:     setID,
		ItemID:    itemID,
		EventType: repository.EventItemMoved,
	}, nil)

	snap, err := s.snapshot(ctx, setID)
	if err != nil {
		return nil, err
	}
	warnings := core.BuildDependencyMapFromSnapshot(ctx, snap, s.repo).Warnings
	for _, warning := range warnings {
		s.logger.Warn("condition invalidated by reorder",
			"set_id", setID,
			"item_id", warning.ItemID,
			"code", warning.Code,
			"severity", warning.Severity,
		)
	}

	return warnings, nil
}

// DeleteItem removes an item. Conditions of items that depended on it are
// cleared in the same transaction so no stored condition dangles; the cleared
// item IDs are returned.
func (s *Service) DeleteItem(ctx context.Context, setID, itemID string) ([]string, error) {
	unlock := s.lockSet(setID)
	defer unlock()

	cleared, err := s.repo.DeleteItem(ctx, setID, itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("delete item: %w", err)
	}

	s.invalidateSet(setID)
	s.publishEventBestEffort(ctx, repository.SetEvent{
		SetID:     setID,
		ItemID:    itemID,
		EventType: repository.EventItemDeleted,
	}, struct {
		ClearedConditions []string `json:"clearedConditions"`
	}{ClearedConditions: cleared})

	for _, clearedID := range cleared {
		s.publishEventBestEffort(ctx, repository.SetEvent{
			SetID:     setID,
			ItemID:    clearedID,
			EventType: repository.EventConditionCleared,
		}, nil)
	}

	return cleared, nil
}

// SaveCondition is the hard write path for display conditions: parse and
// sanitize the raw document, resolve legacy position references against the
// current snapshot, enforce every graph invariant, and only then persist.
// Schema and graph violations abort before any write and are returned as
// [*core.SchemaError] / [*core.GraphError]. Compatibility advisories are
// returned alongside a successful save.
func (s *Service) SaveCondition(ctx context.Context, setID, itemID string, raw []byte) (core.Condition, []Advisory, error) {
	unlock := s.lockSet(setID)
	defer unlock()

	snap, err := s.freshSnapshot(ctx, setID)
	if err != nil {
		return core.Condition{}, nil, err
	}

	owner, ok := snap.Get(itemID)
	if !ok {
		return core.Condition{}, nil, ErrItemNotFound
	}

	cond, err := core.ParseCondition(raw, core.WithSeqnoResolver(func(seqno int) (string, bool) {
		item, found := snap.AtSeqno(seqno)
		return item.ID, found
	}))
	if err != nil {
		return core.Condition{}, nil, err
	}

	ownerRef := core.Owner{ID: owner.ID, Seqno: owner.Seqno, SetID: owner.SetID}
	if err := core.ValidateGraph(ctx, cond, ownerRef, s.repo); err != nil {
		return core.Condition{}, nil, err
	}

	advisories := s.compatibilityAdvisories(snap, cond)

	if err := s.repo.SaveCondition(ctx, setID, itemID, cond); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Condition{}, nil, ErrItemNotFound
		}
		return core.Condition{}, nil, fmt.Errorf("save condition: %w", err)
	}

	s.invalidateSet(setID)
	s.publishEventBestEffort(ctx, repository.SetEvent{
		SetID:     setID,
		ItemID:    itemID,
		EventType: repository.EventConditionSaved,
	}, cond)

	return cond, advisories, nil
}

// DependencyMap builds the parent-to-dependents index for one question-set in
// soft mode: broken conditions become warnings, never failures.
func (s *Service) DependencyMap(ctx context.Context, setID string) (core.DependencyMap, error) {
	snap, err := s.snapshot(ctx, setID)
	if err != nil {
		return core.DependencyMap{}, err
	}

	return core.BuildDependencyMapFromSnapshot(ctx, snap, s.repo), nil
}

// Visibility evaluates every item of a question-set against the supplied
// answers. Items tangled in a dependency cycle fail open: they are forced
// visible so a broken rule can never hide a question for good.
func (s *Service) Visibility(ctx context.Context, setID string, answers map[string]core.AnswerValue) (map[string]bool, error) {
	snap, err := s.snapshot(ctx, setID)
	if err != nil {
		return nil, err
	}

	visible := core.ResolveVisibility(snap.Ordered(), answers)

	for _, cycle := range core.FindCycles(snap.Ordered()) {
		for _, id := range cycle {
			if _, ok := visible[id]; ok {
				visible[id] = true
			}
		}
	}

	return visible, nil
}

// ListEventsSince returns set events after eventID, for SSE resume.
func (s *Service) ListEventsSince(ctx context.Context, setID string, eventID int64) ([]repository.SetEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, setID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// snapshot returns the cached snapshot for a set, loading it on a miss. A set
// with zero items is only reported as [ErrSetNotFound] when the set row
// itself is missing.
func (s *Service) snapshot(ctx context.Context, setID string) (*core.SetSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.cache[setID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	return s.freshSnapshot(ctx, setID)
}

// freshSnapshot always reloads from the repository, replacing any cached
// snapshot. Write paths use it so validation never runs against stale items.
func (s *Service) freshSnapshot(ctx context.Context, setID string) (*core.SetSnapshot, error) {
	items, err := s.repo.ListItemsBySet(ctx, setID)
	if err != nil {
		return nil, fmt.Errorf("load set %q: %w", setID, err)
	}
	if len(items) == 0 {
		if _, err := s.GetSet(ctx, setID); err != nil {
			return nil, err
		}
	}

	snap := core.NewSetSnapshot(items)
	s.mu.Lock()
	s.cache[setID] = snap
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheUpdate != nil {
		s.onCacheUpdate(setID, float64(snap.Len()))
	}

	return snap, nil
}

func (s *Service) compatibilityAdvisories(snap *core.SetSnapshot, cond core.Condition) []Advisory {
	if cond.DependsOn == nil {
		return nil
	}

	parent, ok := snap.Get(cond.DependsOn.ItemID)
	if !ok {
		return nil
	}
	if core.IsCompatible(cond.DependsOn.Operator, parent.AnswerType) {
		return nil
	}

	return []Advisory{{
		ItemID:     parent.ID,
		Operator:   cond.DependsOn.Operator,
		AnswerType: parent.AnswerType,
		Message: fmt.Sprintf("operator %s is unusual for %s answers and may never match",
			cond.DependsOn.Operator, parent.AnswerType),
	}}
}

func (s *Service) lockSet(setID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[setID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[setID] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Service) invalidateSet(setID string) {
	s.mu.Lock()
	delete(s.cache, setID)
	s.mu.Unlock()

	if s.onCacheInvalidation != nil {
		s.onCacheInvalidation()
	}
	if s.onCacheUpdate != nil {
		s.onCacheUpdate(setID, 0)
	}
}

func (s *Service) invalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*core.SetSnapshot)
	s.mu.Unlock()

	if s.onCacheInvalidation != nil {
		s.onCacheInvalidation()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resync)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.invalidateAll()
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.invalidateAll()
			}
		}
	}()

	return nil
}

// publishEventBestEffort records a set event after the mutation has already
// committed; failures are logged, not surfaced.
func (s *Service) publishEventBestEffort(ctx context.Context, event repository.SetEvent, payload any) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if payload != nil {
		serialized, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("marshal event payload", "event_type", event.EventType, "error", err)
		} else {
			event.Payload = serialized
		}
	}

	if _, err := s.repo.PublishSetEvent(publishCtx, event); err != nil {
		s.logger.Warn("publish set event",
			"event_type", event.EventType,
			"set_id", event.SetID,
			"item_id", event.ItemID,
			"error", err,
		)
	}
}
