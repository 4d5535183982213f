package core

import "sort"

// SetSnapshot is a request-scoped, immutable view of one question-set's
// items, indexed for the lookups the engine repeats: by ID and by seqno.
// Callers build one snapshot per validation or render pass and discard it;
// the engine never caches snapshots across calls.
type SetSnapshot struct {
	items   []Item
	byID    map[string]Item
	bySeqno map[int]Item
}

// NewSetSnapshot indexes the given items, ordering them by ascending seqno.
func NewSetSnapshot(items []Item) *SetSnapshot {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seqno < ordered[j].Seqno
	})

	snap := &SetSnapshot{
		items:   ordered,
		byID:    make(map[string]Item, len(ordered)),
		bySeqno: make(map[int]Item, len(ordered)),
	}
	for _, item := range ordered {
		snap.byID[item.ID] = item
		snap.bySeqno[item.Seqno] = item
	}
	return snap
}

// Ordered returns the items in ascending seqno order. The slice is shared;
// callers must not modify it.
func (s *SetSnapshot) Ordered() []Item {
	return s.items
}

// Get returns the item with the given ID.
func (s *SetSnapshot) Get(id string) (Item, bool) {
	item, ok := s.byID[id]
	return item, ok
}

// AtSeqno returns the item at the given position, if any. Used to resolve
// legacy questionSeqno dependency references.
func (s *SetSnapshot) AtSeqno(seqno int) (Item, bool) {
	item, ok := s.bySeqno[seqno]
	return item, ok
}

// Len returns the number of items in the snapshot.
func (s *SetSnapshot) Len() int {
	return len(s.items)
}
