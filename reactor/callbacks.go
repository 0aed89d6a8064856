package reactor

import (
	"time"
)

// callback is a scheduled function and its deadline.
type callback struct {
	deadline time.Time
	fn       func()
	seq      uint64 // submission order, breaks deadline ties
}

// callbackHeap is a min-heap of callbacks, by deadline then seq.
type callbackHeap []*callback

// Implement heap.Interface for callbackHeap
func (h callbackHeap) Len() int { return len(h) }
func (h callbackHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h callbackHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *callbackHeap) Push(x any) {
	*h = append(*h, x.(*callback))
}

func (h *callbackHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
