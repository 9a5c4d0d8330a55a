// Package batch implements the Batch Executor: aggregate submission,
// dependency-graph validation, and Sequential/Parallel/Mixed dispatch of a
// group of commands sharing one transaction mode, grounded on the teacher's
// workflow DAG (orchestration/workflow_dag.go) generalized from step-node
// workflows to command-member batches.
package batch

import (
	"errors"
	"sort"
	"sync"
)

// NodeStatus mirrors the teacher's DAGNode status enum, applied to batch
// members instead of workflow steps.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
)

// dagNode is one batch member's position in the dependency graph.
type dagNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
	Status       NodeStatus
}

var (
	ErrCyclicDependency  = errors.New("batch: dependency graph contains a cycle")
	ErrUnknownDependency = errors.New("batch: dependency references a non-member command")
	ErrDepthExceeded     = errors.New("batch: dependency depth exceeds the configured maximum")
)

// DAG is the dependency graph over a batch's member command identifiers.
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]*dagNode
	order map[string]int
}

// NewDAG builds a DAG with one node per member id and no dependencies; call
// AddDependency to add edges. order records each id's position in memberIDs
// so topoOrderLocked can break ties deterministically instead of following
// Go's randomized map iteration.
func NewDAG(memberIDs []string) *DAG {
	d := &DAG{
		nodes: make(map[string]*dagNode, len(memberIDs)),
		order: make(map[string]int, len(memberIDs)),
	}
	for i, id := range memberIDs {
		d.nodes[id] = &dagNode{ID: id, Status: NodePending}
		d.order[id] = i
	}
	return d
}

// AddDependency records that `to` depends on `from` completing first.
func (d *DAG) AddDependency(from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	toNode, ok := d.nodes[to]
	if !ok {
		return ErrUnknownDependency
	}
	if _, ok := d.nodes[from]; !ok {
		return ErrUnknownDependency
	}
	toNode.Dependencies = append(toNode.Dependencies, from)
	d.nodes[from].Dependents = append(d.nodes[from].Dependents, to)
	return nil
}

// Validate checks for cycles (DFS three-colour) and enforces maxDepth on the
// longest dependency chain, per §4.7's validation rules.
func (d *DAG) Validate(maxDepth int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	white, gray, black := 0, 1, 2
	color := make(map[string]int, len(d.nodes))
	for id := range d.nodes {
		color[id] = white
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range d.nodes[id].Dependents {
			switch color[dep] {
			case gray:
				return ErrCyclicDependency
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range d.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	if d.longestPath() > maxDepth {
		return ErrDepthExceeded
	}
	return nil
}

// longestPath returns the number of edges in the longest dependency chain,
// computed over the topological order so each node's depth only needs its
// direct predecessors' depths.
func (d *DAG) longestPath() int {
	order := d.topoOrderLocked()
	depth := make(map[string]int, len(order))
	max := 0
	for _, id := range order {
		best := 0
		for _, dep := range d.nodes[id].Dependencies {
			if depth[dep]+1 > best {
				best = depth[dep] + 1
			}
		}
		depth[id] = best
		if best > max {
			max = best
		}
	}
	return max
}

// GetExecutionLevels groups members into parallel-safe batches: level N can
// only start once every member of levels 0..N-1 has resolved — matches the
// teacher's GetExecutionLevels.
func (d *DAG) GetExecutionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	levels := [][]string{}
	processed := make(map[string]bool, len(d.nodes))
	for {
		var level []string
		for id, node := range d.nodes {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range node.Dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// GetTopologicalOrder returns member ids in dependency order (Kahn's
// algorithm), used by Sequential mode when dependencies are declared.
func (d *DAG) GetTopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.topoOrderLocked()
}

func (d *DAG) topoOrderLocked() []string {
	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Dependencies)
	}
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Map iteration order is randomized; sort the initial ready set by
	// original member index so Sequential dispatch order is reproducible
	// across runs instead of depending on map iteration.
	sort.Slice(queue, func(i, j int) bool { return d.order[queue[i]] < d.order[queue[j]] })

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dependent := range d.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return result
}

func (d *DAG) markStatus(id string, status NodeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[id]; ok {
		node.Status = status
	}
}

func (d *DAG) status(id string) NodeStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if node, ok := d.nodes[id]; ok {
		return node.Status
	}
	return NodePending
}
