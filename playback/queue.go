package playback

// Queue is the FIFO of encoded chunks waiting for the decode buffer. With a
// positive capacity, pushing onto a full queue evicts the oldest chunk.
type Queue struct {
	items [][]byte
	max   int
}

// NewQueue returns a queue holding at most max chunks. max <= 0 means
// unbounded.
func NewQueue(max int) *Queue {
	return &Queue{max: max}
}

// Push appends chunk. If the queue was full, the oldest chunk is removed and
// returned with evicted set.
func (q *Queue) Push(chunk []byte) (dropped []byte, evicted bool) {
	if q.max > 0 && len(q.items) >= q.max {
		dropped, _ = q.Pop()
		evicted = true
	}
	q.items = append(q.items, chunk)
	return dropped, evicted
}

// Pop removes and returns the oldest chunk.
func (q *Queue) Pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	chunk := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return chunk, true
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int { return len(q.items) }

// Clear discards every queued chunk and returns how many there were.
func (q *Queue) Clear() int {
	n := len(q.items)
	clear(q.items)
	q.items = nil
	return n
}
