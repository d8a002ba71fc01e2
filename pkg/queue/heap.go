package queue

import "github.com/wehubfusion/Talos/pkg/task"

type item struct {
	t     *task.Task
	seq   uint64
	index int
}

// taskHeap orders items of one priority by creation time, then admission order
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].t.CreatedAt.Equal(h[j].t.CreatedAt) {
		return h[i].t.CreatedAt.Before(h[j].t.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
