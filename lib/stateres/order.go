// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"cmp"
	"container/heap"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/shortid"
)

type authEvent struct {
	nid   shortid.ID
	event *pdu.Event
}

// node is one event of the full conflicted set.
type node struct {
	nid   shortid.ID
	event *pdu.Event
	auth  []authEvent

	power       bool
	senderLevel int64

	// Ordering bookkeeping.
	parents  int
	children []*node
	emitted  bool
}

// compareNodes is the tie-break among events ready at the same time:
// higher sender power, then earlier origin_server_ts, then smaller
// event ID. Event IDs are unique, so the order is total.
func compareNodes(a, b *node) int {
	if c := cmp.Compare(b.senderLevel, a.senderLevel); c != 0 {
		return c
	}
	if c := cmp.Compare(a.event.OriginServerTS, b.event.OriginServerTS); c != 0 {
		return c
	}
	return a.event.EventID.Compare(b.event.EventID)
}

type readyQueue []*node

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return compareNodes(q[i], q[j]) < 0 }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(*node)) }
func (q *readyQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}

// splitPower separates the power events of nodes, together with every
// node in their auth chains, from the remaining nodes.
func splitPower(nodes map[shortid.ID]*node, chainOf func(shortid.ID) ([]shortid.ID, error)) (power, rest map[shortid.ID]*node, err error) {
	power = make(map[shortid.ID]*node)
	for nid, n := range nodes {
		if !n.power {
			continue
		}
		power[nid] = n
		ancestors, err := chainOf(nid)
		if err != nil {
			return nil, nil, err
		}
		for _, ancestor := range ancestors {
			if inSet, ok := nodes[ancestor]; ok {
				power[ancestor] = inSet
			}
		}
	}
	rest = make(map[shortid.ID]*node, len(nodes)-len(power))
	for nid, n := range nodes {
		if power[nid] == nil {
			rest[nid] = n
		}
	}
	return power, rest, nil
}

// powerOrder sorts nodes so that every event comes after its auth
// events within the set. Among events whose auth events have all been
// emitted, compareNodes decides. If the remaining events form a cycle,
// the least of them by compareNodes is emitted next, which keeps the
// order deterministic on malformed input.
func powerOrder(nodes map[shortid.ID]*node) []*node {
	all := make([]*node, 0, len(nodes))
	for _, n := range nodes {
		all = append(all, n)
	}
	slices.SortFunc(all, compareNodes)

	for _, n := range all {
		seen := make(map[shortid.ID]bool, len(n.auth))
		for _, auth := range n.auth {
			parent, ok := nodes[auth.nid]
			if !ok || seen[auth.nid] || parent == n {
				continue
			}
			seen[auth.nid] = true
			n.parents++
			parent.children = append(parent.children, n)
		}
	}

	ready := &readyQueue{}
	for _, n := range all {
		if n.parents == 0 {
			heap.Push(ready, n)
		}
	}

	order := make([]*node, 0, len(all))
	next := 0 // index into all, for cycle breaking
	for len(order) < len(all) {
		if ready.Len() == 0 {
			for all[next].emitted {
				next++
			}
			heap.Push(ready, all[next])
		}
		n := heap.Pop(ready).(*node)
		if n.emitted {
			continue
		}
		n.emitted = true
		order = append(order, n)
		for _, child := range n.children {
			if child.emitted {
				continue
			}
			child.parents--
			if child.parents == 0 {
				heap.Push(ready, child)
			}
		}
	}
	return order
}
