// Package graph orders and validates workflow graphs.
package graph

import (
	"errors"
	"fmt"

	"github.com/petal-labs/nodeflow/core"
)

// ErrUnknownNode is returned by Sort when a connection references a node
// that is not part of the node list.
var ErrUnknownNode = errors.New("connection references unknown node")

// Sort returns nodes in an order where every connection source precedes
// its target.
//
// Nodes that take part in at least one connection are ordered with Kahn's
// algorithm, always picking the ready node that appears first in the input.
// Nodes without connections follow in their original order. With no
// connections the input is returned unchanged.
//
// If the connected nodes contain a cycle Sort returns a *core.GraphCycleError.
func Sort(nodes []core.Node, connections []core.Connection) ([]core.Node, error) {
	if len(connections) == 0 {
		return nodes, nil
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; !dup {
			index[n.ID] = i
		}
	}

	connected := make([]bool, len(nodes))
	inDegree := make([]int, len(nodes))
	successors := make([][]int, len(nodes))
	for _, c := range connections {
		src, ok := index[c.Source]
		if !ok {
			return nil, fmt.Errorf("%w: source %q", ErrUnknownNode, c.Source)
		}
		dst, ok := index[c.Target]
		if !ok {
			return nil, fmt.Errorf("%w: target %q", ErrUnknownNode, c.Target)
		}
		connected[src] = true
		connected[dst] = true
		successors[src] = append(successors[src], dst)
		inDegree[dst]++
	}

	ready := make([]bool, len(nodes))
	pending := 0
	for i := range nodes {
		if !connected[i] {
			continue
		}
		pending++
		if inDegree[i] == 0 {
			ready[i] = true
		}
	}

	ordered := make([]core.Node, 0, len(nodes))
	for pending > 0 {
		next := -1
		for i, ok := range ready {
			if ok {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		ready[next] = false
		pending--
		ordered = append(ordered, nodes[next])
		for _, succ := range successors[next] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready[succ] = true
			}
		}
	}

	if pending > 0 {
		var cycle []string
		for i, n := range nodes {
			if connected[i] && inDegree[i] > 0 {
				cycle = append(cycle, n.ID)
			}
		}
		return nil, &core.GraphCycleError{NodeIDs: cycle}
	}

	for i, n := range nodes {
		if !connected[i] {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}
