package service

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/showif/showif/internal/core"
	"github.com/showif/showif/internal/repository"
)

// fakeServiceRepository is an in-memory implementation of [Repository] with
// the same dangling-condition and event semantics as the real one.
type fakeServiceRepository struct {
	mu          sync.RWMutex
	sets        map[string]repository.QuestionSet
	items       map[string]core.Item
	events      []repository.SetEvent
	nextEventID int64
	publishErr  error

	requirePublishActiveContext bool
	publishCtxErr               error
	publishCtxHasDeadline       bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		sets:  make(map[string]repository.QuestionSet),
		items: make(map[string]core.Item),
	}
}

func (f *fakeServiceRepository) CreateSet(_ context.Context, set repository.QuestionSet) (repository.QuestionSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[set.ID] = set
	return set, nil
}

func (f *fakeServiceRepository) GetSet(_ context.Context, id string) (repository.QuestionSet, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set, ok := f.sets[id]
	if !ok {
		return repository.QuestionSet{}, pgx.ErrNoRows
	}
	return set, nil
}

func (f *fakeServiceRepository) ListSets(_ context.Context) ([]repository.QuestionSet, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sets := make([]repository.QuestionSet, 0, len(f.sets))
	for _, set := range f.sets {
		sets = append(sets, set)
	}
	return sets, nil
}

func (f *fakeServiceRepository) DeleteSet(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sets[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.sets, id)
	for itemID, item := range f.items {
		if item.SetID == id {
			delete(f.items, itemID)
		}
	}
	return nil
}

func (f *fakeServiceRepository) CreateItem(_ context.Context, item core.Item) (core.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Seqno <= 0 {
		max := 0
		for _, existing := range f.items {
			if existing.SetID == item.SetID && existing.Seqno > max {
				max = existing.Seqno
			}
		}
		item.Seqno = max + 1
	}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeServiceRepository) GetItem(_ context.Context, id string) (core.Item, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	item, ok := f.items[id]
	return item, ok, nil
}

func (f *fakeServiceRepository) ListItemsBySet(_ context.Context, setID string) ([]core.Item, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var items []core.Item
	for _, item := range f.items {
		if item.SetID == setID {
			items = append(items, item)
		}
	}
	return core.NewSetSnapshot(items).Ordered(), nil
}

func (f *fakeServiceRepository) UpdateItem(_ context.Context, item core.Item) (core.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.items[item.ID]
	if !ok || existing.SetID != item.SetID {
		return core.Item{}, pgx.ErrNoRows
	}
	existing.Label = item.Label
	existing.AnswerType = item.AnswerType
	existing.Options = item.Options
	f.items[item.ID] = existing
	return existing, nil
}

func (f *fakeServiceRepository) MoveItem(_ context.Context, setID, itemID string, newSeqno int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.items[itemID]
	if !ok || target.SetID != setID {
		return pgx.ErrNoRows
	}
	current := target.Seqno
	if current == newSeqno {
		return nil
	}
	for id, item := range f.items {
		if item.SetID != setID || id == itemID {
			continue
		}
		if newSeqno > current && item.Seqno > current && item.Seqno <= newSeqno {
			item.Seqno--
		} else if newSeqno < current && item.Seqno >= newSeqno && item.Seqno < current {
			item.Seqno++
		}
		f.items[id] = item
	}
	target.Seqno = newSeqno
	f.items[itemID] = target
	return nil
}

func (f *fakeServiceRepository) DeleteItem(_ context.Context, setID, itemID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.items[itemID]
	if !ok || target.SetID != setID {
		return nil, pgx.ErrNoRows
	}
	delete(f.items, itemID)

	cleared := make([]string, 0)
	for id, item := range f.items {
		if item.SetID != setID || item.Condition.DependsOn == nil {
			continue
		}
		if item.Condition.DependsOn.ItemID == itemID {
			item.Condition = core.EmptyCondition()
			f.items[id] = item
			cleared = append(cleared, id)
		}
	}
	return cleared, nil
}

func (f *fakeServiceRepository) SaveCondition(_ context.Context, setID, itemID string, cond core.Condition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemID]
	if !ok || item.SetID != setID {
		return pgx.ErrNoRows
	}
	item.Condition = cond
	f.items[itemID] = item
	return nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, setID string, eventID int64) ([]repository.SetEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	events := make([]repository.SetEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID && event.SetID == setID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishSetEvent(ctx context.Context, event repository.SetEvent) (repository.SetEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.SetEvent{}, f.publishCtxErr
	}

	if f.publishErr != nil {
		return repository.SetEvent{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) setSet(set repository.QuestionSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[set.ID] = set
}

func (f *fakeServiceRepository) setItem(item core.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
}

func (f *fakeServiceRepository) publishedEvents() []repository.SetEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]repository.SetEvent(nil), f.events...)
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

type resubscribingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan struct{}
	subscriptions  int
}

func newResubscribingFakeServiceRepository() *resubscribingFakeServiceRepository {
	return &resubscribingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
	}
}

func (f *resubscribingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan struct{}, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *resubscribingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *resubscribingFakeServiceRepository) notifyInvalidation() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *resubscribingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}
