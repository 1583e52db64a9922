package relay

import "sync"

// PendingAction is one remote command awaiting relay. It is dropped after a
// single drain whatever the outcome.
type PendingAction struct {
	Kind          string `json:"kind"`
	Payload       []byte `json:"payload,omitempty"`
	ParticipantID string `json:"participant_id"`
	EnqueueTick   int64  `json:"enqueue_tick"`
	// Tick is stamped with the authoritative tick when the action is drained.
	Tick int64 `json:"tick"`
}

// Queue is a fixed-capacity FIFO ring. It is safe for concurrent producers
// and a single consumer.
type Queue struct {
	mu    sync.Mutex
	data  []PendingAction
	head  int
	tail  int
	count int

	overflow uint64
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{data: make([]PendingAction, capacity)}
}

func (q *Queue) Capacity() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Push appends a, returning false if the queue is full.
func (q *Queue) Push(a PendingAction) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.overflow++
		return false
	}
	q.data[q.tail] = a
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// Drain returns every queued action in FIFO order and empties the queue.
func (q *Queue) Drain() []PendingAction {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]PendingAction, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.data)
		out[i] = q.data[idx]
		q.data[idx] = PendingAction{}
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	return out
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Overflow counts rejected pushes.
func (q *Queue) Overflow() uint64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}
