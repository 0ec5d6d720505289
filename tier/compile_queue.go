package tier

// CompileQueue is a de-duplicating FIFO of entry RIPs waiting for the
// Tier-1 compiler. A RIP is queued at most once until it is drained.
type CompileQueue struct {
	capacity int
	order    []uint64
	pending  map[uint64]struct{}
	dropped  uint64
}

// NewCompileQueue creates a queue holding up to capacity requests. Zero
// means unbounded.
func NewCompileQueue(capacity int) *CompileQueue {
	return &CompileQueue{
		capacity: capacity,
		pending:  make(map[uint64]struct{}),
	}
}

// Request queues rip. It reports whether the request was added; a RIP that
// is already pending, or a full queue, leaves the queue unchanged.
func (q *CompileQueue) Request(rip uint64) bool {
	if _, ok := q.pending[rip]; ok {
		return false
	}
	if q.capacity > 0 && len(q.order) >= q.capacity {
		q.dropped++
		return false
	}
	q.pending[rip] = struct{}{}
	q.order = append(q.order, rip)
	return true
}

// IsPending reports whether rip is waiting in the queue.
func (q *CompileQueue) IsPending(rip uint64) bool {
	_, ok := q.pending[rip]
	return ok
}

// Len returns the number of pending requests.
func (q *CompileQueue) Len() int { return len(q.order) }

// Dropped returns the number of requests refused because the queue was
// full.
func (q *CompileQueue) Dropped() uint64 { return q.dropped }

// Drain removes and returns all pending requests in arrival order.
func (q *CompileQueue) Drain() []uint64 {
	out := q.order
	q.order = nil
	clear(q.pending)
	return out
}

// Cancel removes rip if it is pending.
func (q *CompileQueue) Cancel(rip uint64) {
	if _, ok := q.pending[rip]; !ok {
		return
	}
	delete(q.pending, rip)
	for i, r := range q.order {
		if r == rip {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Clear drops every pending request.
func (q *CompileQueue) Clear() {
	q.order = nil
	clear(q.pending)
}
