// Package frontier holds the pending URL queue and the visited-set
// ledger that together enforce priority ordering and at-most-once
// scheduling for a crawl run.
package frontier

import (
	"container/heap"

	"webtraverse/pkg/types"
)

// Frontier is a min-heap of pending nodes ordered by (score, depth,
// insertion sequence). It is not safe for concurrent use; the engine
// serialises all access.
type Frontier struct {
	heap    nodeHeap
	byKey   map[string]*entry
	visited *Visited
	seq     uint64
}

type entry struct {
	node  types.Node
	seq   uint64
	index int
}

// New builds a frontier backed by the given visited set.
func New(visited *Visited) *Frontier {
	if visited == nil {
		visited = NewVisited(0)
	}
	return &Frontier{
		byKey:   make(map[string]*entry),
		visited: visited,
	}
}

// Visited exposes the backing ledger so the engine can seal terminal
// states.
func (f *Frontier) Visited() *Visited {
	return f.visited
}

// Push inserts a node unless its key is already pending or terminal in
// the visited set. It returns false for rejected duplicates.
func (f *Frontier) Push(node types.Node) bool {
	if node.URL == nil || node.Key == "" {
		return false
	}
	if !f.visited.MarkPending(node.Key) {
		return false
	}
	f.insert(node)
	return true
}

// PushRetry re-inserts a node whose key is already pending. The retry
// path bypasses duplicate rejection: the key stays pending for the whole
// node lifecycle and only terminal transitions seal it.
func (f *Frontier) PushRetry(node types.Node) bool {
	if node.URL == nil || node.Key == "" {
		return false
	}
	if f.visited.Status(node.Key) != StatusPending {
		return false
	}
	f.insert(node)
	return true
}

func (f *Frontier) insert(node types.Node) {
	f.seq++
	e := &entry{node: node, seq: f.seq}
	f.byKey[node.Key] = e
	heap.Push(&f.heap, e)
}

// Pop removes and returns the best pending node.
func (f *Frontier) Pop() (types.Node, bool) {
	if f.heap.Len() == 0 {
		return types.Node{}, false
	}
	e := heap.Pop(&f.heap).(*entry)
	if current, ok := f.byKey[e.node.Key]; ok && current == e {
		delete(f.byKey, e.node.Key)
	}
	return e.node, true
}

// Update rescores a pending entry and fixes its heap position in place
// via the stored index; no linear search is needed.
func (f *Frontier) Update(key string, score float64) bool {
	e, ok := f.byKey[key]
	if !ok {
		return false
	}
	e.node.Score = score
	heap.Fix(&f.heap, e.index)
	return true
}

// Contains reports whether a key has a pending entry in the queue.
func (f *Frontier) Contains(key string) bool {
	_, ok := f.byKey[key]
	return ok
}

// Len returns the number of queued nodes.
func (f *Frontier) Len() int {
	return f.heap.Len()
}

type nodeHeap []*entry

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.node.Score != b.node.Score {
		return a.node.Score < b.node.Score
	}
	if a.node.Depth != b.node.Depth {
		return a.node.Depth < b.node.Depth
	}
	return a.seq < b.seq
}

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
