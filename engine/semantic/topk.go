package semantic

import (
	"container/heap"

	"github.com/WessleyAI/captionstore/engine/domain"
)

// maxHeap keeps the farthest hit on top so it can be evicted first.
type maxHeap []domain.Hit

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].ContentHash > h[j].ContentHash
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x any) { *h = append(*h, x.(domain.Hit)) }

func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// preallocHits bounds the heap capacity reserved up front. Larger k grow
// the heap as rows arrive.
const preallocHits = 1024

// topK tracks the k closest hits seen so far.
type topK struct {
	k    int
	heap maxHeap
}

func newTopK(k int) *topK {
	t := &topK{k: k, heap: make(maxHeap, 0, max(0, min(k, preallocHits)))}
	heap.Init(&t.heap)
	return t
}

func (t *topK) offer(h domain.Hit) {
	if t.k <= 0 {
		return
	}
	if len(t.heap) < t.k {
		heap.Push(&t.heap, h)
		return
	}
	top := t.heap[0]
	if h.Distance < top.Distance || (h.Distance == top.Distance && h.ContentHash < top.ContentHash) {
		t.heap[0] = h
		heap.Fix(&t.heap, 0)
	}
}

// sorted returns the tracked hits closest first.
func (t *topK) sorted() []domain.Hit {
	tmp := make(maxHeap, len(t.heap))
	copy(tmp, t.heap)
	out := make([]domain.Hit, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&tmp).(domain.Hit)
	}
	return out
}
