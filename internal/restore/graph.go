// Package restore loads backed-up CSVs into a target tenant through the
// bulk ingest API: dependency-ordered, id-remapped, batched writes with a
// deferred update pass for cyclic lookups.
package restore

import (
	"sort"
)

// DependencyGraph orders objects so parents restore before the children
// that look them up. Lookups to objects outside the restore set are
// ignored; they cannot be resolved and are handled per-row instead.
type DependencyGraph struct {
	// Lookups maps object -> lookup field -> referenced objects,
	// restricted to the restore set.
	Lookups map[string]map[string][]string
}

// Plan is the computed restore order.
type Plan struct {
	// Order lists objects parents-first.
	Order []string

	// Deferred maps object -> lookup fields that cannot be resolved at
	// insert time (cycles and self-references); they are populated by a
	// follow-up update pass after every object is inserted.
	Deferred map[string][]string
}

// BuildPlan runs a topological sort over the parent→child edges. When a
// cycle blocks progress, the object with the fewest unmet dependencies is
// released next (ties broken by name) and its unmet lookup fields are
// deferred to the update pass. Self-lookups are always deferred.
func (g *DependencyGraph) BuildPlan(objects []string) *Plan {
	inSet := make(map[string]bool, len(objects))
	for _, o := range objects {
		inSet[o] = true
	}

	// deps[child][parent] = lookup fields on child referencing parent.
	deps := make(map[string]map[string][]string, len(objects))
	deferred := make(map[string][]string)
	for _, child := range objects {
		deps[child] = map[string][]string{}
		for field, parents := range g.Lookups[child] {
			for _, parent := range parents {
				if !inSet[parent] {
					continue
				}
				if parent == child {
					deferred[child] = appendUnique(deferred[child], field)
					continue
				}
				deps[child][parent] = appendUnique(deps[child][parent], field)
			}
		}
	}

	var order []string
	done := make(map[string]bool, len(objects))

	remaining := append([]string(nil), objects...)
	sort.Strings(remaining)

	for len(remaining) > 0 {
		// Release every object whose parents are all done.
		progressed := false
		var next []string
		for _, obj := range remaining {
			if unmetEdges(deps[obj], done) == 0 {
				order = append(order, obj)
				done[obj] = true
				progressed = true
			} else {
				next = append(next, obj)
			}
		}
		remaining = next
		if progressed || len(remaining) == 0 {
			continue
		}

		// Cycle: release the object with the fewest unmet inbound edges
		// and defer the lookup fields that point back into the cycle.
		victim := ""
		victimUnmet := 0
		for _, obj := range remaining {
			unmet := unmetEdges(deps[obj], done)
			if victim == "" || unmet < victimUnmet || (unmet == victimUnmet && obj < victim) {
				victim = obj
				victimUnmet = unmet
			}
		}

		for parent, fields := range deps[victim] {
			if done[parent] {
				continue
			}
			for _, f := range fields {
				deferred[victim] = appendUnique(deferred[victim], f)
			}
		}
		order = append(order, victim)
		done[victim] = true

		next = next[:0]
		for _, obj := range remaining {
			if obj != victim {
				next = append(next, obj)
			}
		}
		remaining = next
	}

	for obj := range deferred {
		sort.Strings(deferred[obj])
	}
	return &Plan{Order: order, Deferred: deferred}
}

// unmetEdges counts the lookup fields still blocked on unfinished parents.
func unmetEdges(deps map[string][]string, done map[string]bool) int {
	n := 0
	for parent, fields := range deps {
		if !done[parent] {
			n += len(fields)
		}
	}
	return n
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
