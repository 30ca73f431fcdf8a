package delivery

import (
	"fmt"
	"strings"

	"github.com/vincentbai/uxtrace/internal/models"
)

// Buffer holds enriched events until the transport is ready. Buffers are
// not safe for concurrent use; the Manager serialises access.
type Buffer interface {
	// Enqueue appends an entry and reports whether an entry was dropped to make room.
	Enqueue(models.CapturedEvent) (dropped bool)
	// Drain passes entries to send in FIFO order while ready reports true.
	// An entry leaves the buffer only once send accepted it; the first
	// failure stops the drain with that entry still at the head.
	Drain(ready func() bool, send func(models.CapturedEvent) error) (int, error)
	Len() int
}

// Queue is an unbounded FIFO buffer.
type Queue struct {
	entries []models.CapturedEvent
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(entry models.CapturedEvent) bool {
	q.entries = append(q.entries, entry)
	return false
}

func (q *Queue) Drain(ready func() bool, send func(models.CapturedEvent) error) (int, error) {
	sent := 0
	for len(q.entries) > 0 && ready() {
		if err := send(q.entries[0]); err != nil {
			return sent, err
		}
		q.pop()
		sent++
	}
	return sent, nil
}

func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns a copy of the queued entries, head first.
func (q *Queue) Entries() []models.CapturedEvent {
	out := make([]models.CapturedEvent, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) pop() {
	q.entries[0] = models.CapturedEvent{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
}

// Overflow selects what a BoundedQueue gives up when full.
type Overflow int

const (
	// DropOldest evicts the head to admit the new entry.
	DropOldest Overflow = iota
	// DropNewest refuses the new entry.
	DropNewest
)

func (o Overflow) String() string {
	if o == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

// BoundedQueue caps memory by dropping entries under its Overflow policy.
// Dropped entries are lost for good.
type BoundedQueue struct {
	Queue
	capacity int
	policy   Overflow
	dropped  uint64
}

func NewBoundedQueue(capacity int, policy Overflow) *BoundedQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue{capacity: capacity, policy: policy}
}

func (q *BoundedQueue) Enqueue(entry models.CapturedEvent) bool {
	if q.Len() < q.capacity {
		q.Queue.Enqueue(entry)
		return false
	}
	q.dropped++
	if q.policy == DropNewest {
		return true
	}
	q.pop()
	q.Queue.Enqueue(entry)
	return true
}

// Dropped returns how many entries the policy has discarded.
func (q *BoundedQueue) Dropped() uint64 {
	return q.dropped
}
