// Package dag computes wave-parallel execution batches from a set of items
// that each carry an id and a set of dependency ids. It is shared by the
// Phase Executor (over plan.Step) and the Query Decomposer (over
// decompose.SubQuery).
package dag

// Node is anything the scheduler can order: it has a stable id and a set of
// ids it depends on.
type Node interface {
	NodeID() string
	DependsOnIDs() []string
}

// Waves groups nodes into ordered batches. Nodes within a wave have every
// dependency satisfied by an earlier wave and are intended to run
// concurrently; wave N+1 must only be started after every node in waves
// 0..N has produced a result.
//
// Algorithm: Kahn-style peel. Repeatedly extract the subset of remaining
// nodes whose dependencies are already satisfied into a wave, mark them
// done, and repeat. If no node qualifies for a wave while nodes remain (a
// cycle, or a dangling dependency reference), the remaining nodes are
// emitted as one final wave in their original insertion order — this
// preserves forward progress instead of deadlocking, and is a condition
// callers should log, not treat as fatal.
func Waves[T Node](nodes []T) ([][]T, bool) {
	if len(nodes) == 0 {
		return nil, false
	}

	remaining := make([]T, len(nodes))
	copy(remaining, nodes)

	done := make(map[string]bool, len(nodes))
	var waves [][]T
	hadCycleFallback := false

	for len(remaining) > 0 {
		var wave []T
		var next []T
		for _, n := range remaining {
			if dependenciesSatisfied(n, done) {
				wave = append(wave, n)
			} else {
				next = append(next, n)
			}
		}
		if len(wave) == 0 {
			// Cycle or dangling reference: emit the rest as a single final
			// wave, preserving original order, rather than looping forever.
			waves = append(waves, remaining)
			hadCycleFallback = true
			break
		}
		for _, n := range wave {
			done[n.NodeID()] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves, hadCycleFallback
}

func dependenciesSatisfied(n Node, done map[string]bool) bool {
	for _, dep := range n.DependsOnIDs() {
		if !done[dep] {
			return false
		}
	}
	return true
}
