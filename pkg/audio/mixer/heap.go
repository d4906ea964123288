// Package mixer provides the output timeline used by playback devices. Buffers
// are placed at absolute sample positions and mixed into device-sized chunks
// as the device pulls them, which keeps the clock sample-accurate and lets a
// playback scheduler queue audio back to back without gaps.
package mixer

// entry is a buffer placed on the timeline. The seq field provides FIFO
// ordering between entries that start on the same frame.
type entry struct {
	start   int64 // first frame, in timeline sample positions
	samples []float32
	seq     uint64 // monotonic insertion order for tie-breaking
}

// end returns the first frame after the entry.
func (e entry) end() int64 { return e.start + int64(len(e.samples)) }

// entryHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame, with FIFO tie-breaking on seq.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
func (h entryHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
