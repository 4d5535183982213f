package core

import (
	"context"
	"fmt"
)

// maxTraversalDepth caps cycle-detection walks. Question-sets hold well under
// a hundred items; hitting this limit means the repository handed back an
// inconsistent snapshot, and the walk is reported as a cycle rather than
// looping forever.
const maxTraversalDepth = 10000

// Owner identifies the item whose condition is being validated.
type Owner struct {
	ID    string
	Seqno int
	SetID string
}

// ValidateGraph enforces the referential, ordering, and cycle invariants for
// cond as the condition of owner. It is the hard, write-path entry point: the
// first violation is returned as a [*GraphError] and must abort the host's
// persistence transaction. Repository failures are returned as plain wrapped
// errors, distinct from validation outcomes.
//
// The ordering rule (every dependency strictly precedes its dependent) makes
// cycles impossible by construction, but seqno values are reassigned
// independently of dependency edges, so the full cycle check still runs as
// defense in depth.
func ValidateGraph(ctx context.Context, cond Condition, owner Owner, repo ItemRepository) error {
	if cond.DependsOn == nil {
		return nil
	}
	dep := cond.DependsOn

	target, found, err := repo.GetItem(ctx, dep.ItemID)
	if err != nil {
		return fmt.Errorf("look up dependency %q: %w", dep.ItemID, err)
	}
	if !found {
		return &GraphError{Code: GraphNotFound, ItemID: dep.ItemID}
	}

	if graphErr := checkEdge(owner, target); graphErr != nil {
		return graphErr
	}

	items, err := repo.ListItemsBySet(ctx, owner.SetID)
	if err != nil {
		return fmt.Errorf("list items for set %q: %w", owner.SetID, err)
	}

	if path := findCycleThrough(owner.ID, dependencyEdges(items, owner.ID, cond)); path != nil {
		return &GraphError{Code: GraphCycle, Path: path}
	}

	return nil
}

// checkEdge applies the same-set, self-reference, and ordering rules for one
// dependency edge. It is shared by the hard write path and the soft read path.
func checkEdge(owner Owner, target Item) *GraphError {
	if target.SetID != owner.SetID {
		return &GraphError{
			Code:          GraphCrossSet,
			ItemID:        target.ID,
			ExpectedSetID: owner.SetID,
			ActualSetID:   target.SetID,
		}
	}
	if target.ID == owner.ID {
		return &GraphError{Code: GraphSelfReference, ItemID: owner.ID}
	}
	if target.Seqno >= owner.Seqno {
		return &GraphError{
			Code:            GraphOrderingViolation,
			ItemID:          target.ID,
			DependencySeqno: target.Seqno,
			OwnerSeqno:      owner.Seqno,
		}
	}
	return nil
}

// dependencyEdges builds the item -> dependency adjacency for a set, with the
// owner's stored condition replaced by the candidate one under validation.
// Each item carries at most one outgoing edge.
func dependencyEdges(items []Item, ownerID string, candidate Condition) map[string]string {
	edges := make(map[string]string, len(items))
	for _, item := range items {
		cond := item.Condition
		if item.ID == ownerID {
			cond = candidate
		}
		if cond.DependsOn != nil {
			edges[item.ID] = cond.DependsOn.ItemID
		}
	}
	return edges
}

// findCycleThrough walks the dependency chain from start with an explicit
// iterative loop, never recursion. It returns the accumulated path when the
// walk revisits start, or when the depth cap trips; nil means no cycle
// through start.
func findCycleThrough(start string, edges map[string]string) []string {
	path := []string{start}
	visited := map[string]struct{}{start: {}}

	current := start
	for depth := 0; depth < maxTraversalDepth; depth++ {
		next, ok := edges[current]
		if !ok {
			return nil
		}
		path = append(path, next)
		if next == start {
			return path
		}
		if _, seen := visited[next]; seen {
			// A cycle exists further up the chain but does not pass
			// through start; the full-set sweep reports it.
			return nil
		}
		visited[next] = struct{}{}
		current = next
	}

	return path
}

// FindCycles sweeps a whole question-set and returns every dependency cycle
// found, each as the item ID path closing back on its first element. Items
// have at most one outgoing edge, so cycles are disjoint simple loops.
func FindCycles(items []Item) [][]string {
	edges := make(map[string]string, len(items))
	for _, item := range items {
		if item.Condition.DependsOn != nil {
			edges[item.ID] = item.Condition.DependsOn.ItemID
		}
	}

	const (
		stateUnvisited = 0
		stateActive    = 1
		stateDone      = 2
	)
	states := make(map[string]int, len(items))

	var cycles [][]string
	for _, item := range items {
		if states[item.ID] != stateUnvisited {
			continue
		}

		var chain []string
		current := item.ID
		for depth := 0; depth < maxTraversalDepth; depth++ {
			if states[current] != stateUnvisited {
				break
			}
			states[current] = stateActive
			chain = append(chain, current)

			next, ok := edges[current]
			if !ok {
				current = ""
				break
			}
			current = next
		}

		if current != "" && states[current] == stateActive {
			for i, id := range chain {
				if id == current {
					cycle := append([]string{}, chain[i:]...)
					cycles = append(cycles, append(cycle, current))
					break
				}
			}
		}

		for _, id := range chain {
			states[id] = stateDone
		}
	}

	return cycles
}
