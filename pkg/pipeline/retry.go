package pipeline

import (
	"sync"

	"github.com/lensview/lensview/pkg/entry"
)

// retryItem is one entry waiting for another storage attempt.
type retryItem struct {
	e        *entry.Entry
	queue    string
	attempts int
	urgent   bool
}

// retryQueue is the shared list of entries whose storage attempt failed.
// The queue is capped so a sustained storage outage cannot grow memory
// without bound; overflow drops the oldest non-urgent item.
type retryQueue struct {
	mu      sync.Mutex
	items   []retryItem
	limit   int
	dropped int
}

func newRetryQueue(limit int) *retryQueue {
	return &retryQueue{limit: limit}
}

// push enqueues an item. Urgent items (from the critical and error queues)
// go to the front so they retry first.
func (r *retryQueue) push(item retryItem) (droppedOne bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) >= r.limit {
		if !r.evictLocked() {
			// Everything waiting is urgent; the newcomer loses.
			r.dropped++
			return true
		}
		droppedOne = true
	}
	if item.urgent {
		r.items = append([]retryItem{item}, r.items...)
	} else {
		r.items = append(r.items, item)
	}
	return droppedOne
}

// evictLocked removes the oldest non-urgent item. Urgent items sit at the
// front and non-urgent append in arrival order, so the first non-urgent
// item found from the front is the oldest.
func (r *retryQueue) evictLocked() bool {
	for i := range r.items {
		if !r.items[i].urgent {
			r.items = append(r.items[:i], r.items[i+1:]...)
			r.dropped++
			return true
		}
	}
	return false
}

// pop removes up to n items from the front.
func (r *retryQueue) pop(n int) []retryItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]retryItem, n)
	copy(out, r.items[:n])
	r.items = append(r.items[:0], r.items[n:]...)
	return out
}

func (r *retryQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
