// Package queue implements the Pending Queue: the strategy-parameterised
// structure that holds not-yet-dispatched tickets. All access — enqueue and
// batch formation alike — goes through this package under a single mutex;
// nothing outside it ever sees the underlying slice.
package queue

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ssw/batchproxy/internal/ticket"
)

// Queue is the pending queue described in spec.md §4.2. It is safe for
// concurrent use by many intake goroutines and exactly one dispatcher
// goroutine.
type Queue struct {
	mu    sync.Mutex
	items []*ticket.Ticket

	strategy atomic.Int32

	// FAIR rotation state. fairOrder is the discovery order of tenants
	// (first-seen, alphabetical among simultaneous newcomers); fairCursor
	// is the index into fairOrder the next batch formation resumes from.
	// Both are reset whenever the active strategy transitions into FAIR.
	fairOrder  []string
	fairCursor int

	// wake is a 1-slot non-blocking signal: Enqueue posts to it whenever
	// the queue transitions from empty to non-empty (or simply whenever a
	// ticket arrives; a spurious wake just costs one extra empty poll).
	// TakeBatch's caller selects on it with a short timeout for liveness.
	wake chan struct{}
}

// New builds an empty Queue with the given initial strategy.
func New(initial Strategy) *Queue {
	q := &Queue{wake: make(chan struct{}, 1)}
	q.strategy.Store(int32(initial))
	if initial == FAIR {
		q.fairOrder = nil
		q.fairCursor = 0
	}
	return q
}

// Strategy returns the currently active strategy. Safe for concurrent use;
// backed by a single atomic word, per spec.md §5.
func (q *Queue) Strategy() Strategy {
	return Strategy(q.strategy.Load())
}

// SetStrategy atomically changes the active strategy. If the new value is
// FAIR and the queue was not already in FAIR, the round-robin rotation
// cursor and tenant-discovery order reset — per spec.md §9, FAIR does not
// carry rotation state across an activation from another strategy.
func (q *Queue) SetStrategy(s Strategy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := Strategy(q.strategy.Load())
	q.strategy.Store(int32(s))
	if s == FAIR && prev != FAIR {
		q.fairOrder = nil
		q.fairCursor = 0
	}
}

// Wake returns the channel TakeBatch's caller should select on, alongside a
// short timeout, while the queue is empty.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a ticket to the back of the queue and wakes a waiting
// dispatcher. Enqueue order is the FCFS ordering and the SJF tie-break.
func (q *Queue) Enqueue(t *ticket.Ticket) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
}

// PeekReady reports whether any ticket is currently pending.
func (q *Queue) PeekReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// TakeBatch atomically selects and removes up to max tickets from the
// queue per the given strategy. It never returns more than max tickets and
// never blocks; an empty queue yields an empty, non-nil-checked batch.
func (q *Queue) TakeBatch(max int, strategy Strategy) []*ticket.Ticket {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	switch strategy {
	case SJF:
		return q.takeSJFLocked(max)
	case FAIR:
		return q.takeFairLocked(max)
	default: // FCFS
		return q.takeFCFSLocked(max)
	}
}

func (q *Queue) takeFCFSLocked(max int) []*ticket.Ticket {
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := append([]*ticket.Ticket(nil), q.items[:n]...)
	q.items = q.items[n:]
	return batch
}

// takeSJFLocked picks the n smallest-size tickets, a stable sort ensuring
// the returned set is a prefix of the queue's ascending-size order with
// earlier-enqueued tickets winning ties, per spec.md §8.
func (q *Queue) takeSJFLocked(max int) []*ticket.Ticket {
	order := make([]int, len(q.items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return q.items[order[a]].Size < q.items[order[b]].Size
	})

	n := max
	if n > len(order) {
		n = len(order)
	}

	picked := make(map[int]bool, n)
	batch := make([]*ticket.Ticket, 0, n)
	for _, idx := range order[:n] {
		picked[idx] = true
		batch = append(batch, q.items[idx])
	}

	remaining := make([]*ticket.Ticket, 0, len(q.items)-n)
	for i, t := range q.items {
		if !picked[i] {
			remaining = append(remaining, t)
		}
	}
	q.items = remaining
	return batch
}

// takeFairLocked cycles across tenants in fairOrder, taking the oldest
// pending ticket from each in turn, until the batch is full or a full
// rotation yields nothing.
func (q *Queue) takeFairLocked(max int) []*ticket.Ticket {
	tenantQueues := make(map[string][]*ticket.Ticket)
	for _, t := range q.items {
		tenantQueues[t.TenantID] = append(tenantQueues[t.TenantID], t)
	}

	q.admitNewTenantsLocked(tenantQueues)

	batch := make([]*ticket.Ticket, 0, max)
	taken := make(map[string]int, len(tenantQueues)) // count taken per tenant, to index into tenantQueues

	emptyStreak := 0
	for len(batch) < max && len(q.fairOrder) > 0 && emptyStreak < len(q.fairOrder) {
		tenant := q.fairOrder[q.fairCursor]
		q.fairCursor = (q.fairCursor + 1) % len(q.fairOrder)

		idx := taken[tenant]
		subq := tenantQueues[tenant]
		if idx >= len(subq) {
			emptyStreak++
			continue
		}

		batch = append(batch, subq[idx])
		taken[tenant] = idx + 1
		emptyStreak = 0
	}

	q.removeLocked(batch)
	return batch
}

// admitNewTenantsLocked appends tenants present in tenantQueues but absent
// from fairOrder, sorted alphabetically among themselves — the "first-seen,
// then alphabetical for newly appearing tenants within the same formation"
// rule from spec.md §4.2.
func (q *Queue) admitNewTenantsLocked(tenantQueues map[string][]*ticket.Ticket) {
	known := make(map[string]bool, len(q.fairOrder))
	for _, t := range q.fairOrder {
		known[t] = true
	}

	var newcomers []string
	for tenant := range tenantQueues {
		if !known[tenant] {
			newcomers = append(newcomers, tenant)
		}
	}
	sort.Strings(newcomers)
	q.fairOrder = append(q.fairOrder, newcomers...)
}

// removeLocked removes exactly the given tickets (by identity) from
// q.items, preserving the relative order of what remains.
func (q *Queue) removeLocked(batch []*ticket.Ticket) {
	if len(batch) == 0 {
		return
	}
	remove := make(map[*ticket.Ticket]bool, len(batch))
	for _, t := range batch {
		remove[t] = true
	}
	remaining := make([]*ticket.Ticket, 0, len(q.items)-len(batch))
	for _, t := range q.items {
		if !remove[t] {
			remaining = append(remaining, t)
		}
	}
	q.items = remaining
}
