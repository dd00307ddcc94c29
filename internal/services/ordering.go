package services

import (
	"sort"

	"db-dump-restore/internal/models"
)

// DedupEdges collapses edges sharing the same (dependent, referenced) pair,
// keeping the first occurrence order.
func DedupEdges(edges []models.Edge) []models.Edge {
	seen := make(map[models.Edge]bool, len(edges))
	out := make([]models.Edge, 0, len(edges))
	for _, e := range edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// TopologicalOrder sorts tables so that every table comes after the tables it
// references (Kahn's algorithm). Edges with an endpoint outside tables and self
// edges are ignored. Ties are broken by the position in tables, so the same input
// always yields the same order. A cycle returns *CycleDetectedError and no order.
func TopologicalOrder(tables []string, edges []models.Edge) ([]string, error) {
	index := make(map[string]int, len(tables))
	for i, t := range tables {
		if _, dup := index[t]; !dup {
			index[t] = i
		}
	}

	// adj[referenced] -> dependents, both as indexes into tables
	adj := make([][]int, len(tables))
	inDegree := make([]int, len(tables))
	for _, e := range DedupEdges(edges) {
		if e.IsSelf() {
			continue
		}
		d, okD := index[e.Dependent]
		r, okR := index[e.Referenced]
		if !okD || !okR {
			continue
		}
		adj[r] = append(adj[r], d)
		inDegree[d]++
	}
	for i := range adj {
		sort.Ints(adj[i])
	}

	queue := make([]int, 0, len(tables))
	for i, t := range tables {
		if index[t] == i && inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(index))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, tables[n])
		for _, m := range adj[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) < len(index) {
		placed := make(map[string]bool, len(order))
		for _, t := range order {
			placed[t] = true
		}
		var residual []string
		for i, t := range tables {
			if index[t] == i && !placed[t] {
				residual = append(residual, t)
			}
		}
		return nil, &CycleDetectedError{Residual: residual}
	}
	return order, nil
}

// ValidateOrder checks a curated order against the edges and returns every
// violation found. An empty result means the order is FK-safe. Edges naming a
// table absent from the order, and self edges, are not checked.
func ValidateOrder(order []string, edges []models.Edge) []Violation {
	position := make(map[string]int, len(order))
	for i, t := range order {
		if _, dup := position[t]; !dup {
			position[t] = i
		}
	}

	var violations []Violation
	for _, e := range DedupEdges(edges) {
		if e.IsSelf() {
			continue
		}
		d, okD := position[e.Dependent]
		r, okR := position[e.Referenced]
		if !okD || !okR {
			continue
		}
		if r >= d {
			violations = append(violations, Violation{
				Dependent:          e.Dependent,
				Referenced:         e.Referenced,
				DependentPosition:  d,
				ReferencedPosition: r,
			})
		}
	}
	return violations
}

// Reverse returns the deletion order for an insert order.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, t := range order {
		out[len(order)-1-i] = t
	}
	return out
}

// DescribeOrder annotates an order with each table's direct dependencies and
// its depth in the dependency tree.
func DescribeOrder(order []string, edges []models.Edge) []models.TableDependency {
	position := make(map[string]int, len(order))
	for i, t := range order {
		position[t] = i
	}

	deps := make(map[string][]string)
	selfRef := make(map[string]bool)
	for _, e := range DedupEdges(edges) {
		if _, ok := position[e.Dependent]; !ok {
			continue
		}
		if e.IsSelf() {
			selfRef[e.Dependent] = true
			continue
		}
		if _, ok := position[e.Referenced]; !ok {
			continue
		}
		deps[e.Dependent] = append(deps[e.Dependent], e.Referenced)
	}

	level := make(map[string]int, len(order))
	out := make([]models.TableDependency, 0, len(order))
	for i, t := range order {
		lvl := 0
		for _, r := range deps[t] {
			// Referenced tables placed later only happen in an invalid order.
			if position[r] < i && level[r]+1 > lvl {
				lvl = level[r] + 1
			}
		}
		level[t] = lvl
		dependsOn := deps[t]
		if dependsOn == nil {
			dependsOn = []string{}
		}
		out = append(out, models.TableDependency{
			TableName: t,
			DependsOn: dependsOn,
			Level:     lvl,
			Position:  i,
			SelfRef:   selfRef[t],
		})
	}
	return out
}
