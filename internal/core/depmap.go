package core

import (
	"context"
	"fmt"
)

// BuildDependencyMap assembles the parent-to-dependents index for one
// question-set, for consumption by rendering clients. It runs the graph rules
// in soft mode: a broken condition becomes a [Warning] and its edge is left
// out of the index, but the build itself never aborts. Only repository
// failures return an error.
//
// Clients call this once per question-set load; per-answer-change visibility
// is recomputed client-side with [Evaluate] and the returned map.
func BuildDependencyMap(ctx context.Context, setID string, repo ItemRepository) (DependencyMap, error) {
	items, err := repo.ListItemsBySet(ctx, setID)
	if err != nil {
		return DependencyMap{}, fmt.Errorf("list items for set %q: %w", setID, err)
	}

	return buildDependencyMap(ctx, NewSetSnapshot(items), repo), nil
}

// BuildDependencyMapFromSnapshot is the allocation-light variant for hosts
// that already hold a set snapshot (e.g. from a request-scoped cache).
func BuildDependencyMapFromSnapshot(ctx context.Context, snap *SetSnapshot, repo ItemRepository) DependencyMap {
	return buildDependencyMap(ctx, snap, repo)
}

func buildDependencyMap(ctx context.Context, snap *SetSnapshot, repo ItemRepository) DependencyMap {
	result := DependencyMap{
		Edges:    make(map[string][]DependentEdge),
		Warnings: []Warning{},
	}

	for _, item := range snap.Ordered() {
		if item.Condition.IsEmpty() {
			continue
		}
		dep := item.Condition.DependsOn

		if graphErr := softCheckEdge(ctx, item, snap, repo); graphErr != nil {
			result.Warnings = append(result.Warnings, graphErr.Warning(item.ID))
			continue
		}

		result.Edges[dep.ItemID] = append(result.Edges[dep.ItemID], DependentEdge{
			DependentID:    item.ID,
			DependentSeqno: item.Seqno,
			Operator:       dep.Operator,
			Values:         dep.Values,
			ShowIf:         item.Condition.ShowIf,
			CascadeHide:    item.Condition.CascadeHide,
			Group:          item.Condition.Group,
		})
	}

	for _, cycle := range FindCycles(snap.Ordered()) {
		for _, id := range dedupeCycle(cycle) {
			result.Warnings = append(result.Warnings, (&GraphError{
				Code: GraphCycle,
				Path: cycle,
			}).Warning(id))
		}
	}

	return result
}

// softCheckEdge runs the existence, same-set, self-reference, and ordering
// rules against the snapshot. Dependencies absent from the snapshot are
// looked up once through the repository to tell a dangling reference apart
// from a cross-set one; if that lookup itself fails, the reference is
// reported as not found.
func softCheckEdge(ctx context.Context, item Item, snap *SetSnapshot, repo ItemRepository) *GraphError {
	dep := item.Condition.DependsOn
	owner := Owner{ID: item.ID, Seqno: item.Seqno, SetID: item.SetID}

	target, ok := snap.Get(dep.ItemID)
	if !ok {
		if repo != nil {
			if fetched, found, err := repo.GetItem(ctx, dep.ItemID); err == nil && found {
				return checkEdge(owner, fetched)
			}
		}
		return &GraphError{Code: GraphNotFound, ItemID: dep.ItemID}
	}

	return checkEdge(owner, target)
}

// dedupeCycle returns the distinct item IDs on a cycle path, which closes
// back on its first element.
func dedupeCycle(cycle []string) []string {
	seen := make(map[string]struct{}, len(cycle))
	ids := make([]string, 0, len(cycle))
	for _, id := range cycle {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
