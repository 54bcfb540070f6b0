package schedule

import "container/heap"

type item struct {
	entry Entry
	index int
}

// entryHeap orders by DeliverAt, then by insertion sequence for stable ties.
type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if a.DeliverAt.Equal(b.DeliverAt) {
		return a.Seq < b.Seq
	}
	return a.DeliverAt.Before(b.DeliverAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*entryHeap)(nil)
