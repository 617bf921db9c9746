package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssw/batchproxy/internal/ticket"
)

func mkTicket(tenant string, size int) *ticket.Ticket {
	t := ticket.New(tenant, make([]byte, size))
	return t
}

func ids(batch []*ticket.Ticket) []string {
	out := make([]string, len(batch))
	for i, t := range batch {
		out[i] = t.ID
	}
	return out
}

// scenario 1: FCFS ordering.
func TestTakeBatch_FCFS_Ordering(t *testing.T) {
	q := New(FCFS)
	sizes := []int{10, 100, 20, 200, 30, 5, 1}
	tickets := make([]*ticket.Ticket, len(sizes))
	for i, sz := range sizes {
		tickets[i] = mkTicket("t1", sz)
		q.Enqueue(tickets[i])
	}

	first := q.TakeBatch(5, FCFS)
	require.Len(t, first, 5)
	assert.Equal(t, ids(tickets[:5]), ids(first))

	second := q.TakeBatch(5, FCFS)
	require.Len(t, second, 2)
	assert.Equal(t, ids(tickets[5:7]), ids(second))
}

// scenario 2: SJF reordering.
func TestTakeBatch_SJF_Reordering(t *testing.T) {
	q := New(SJF)
	sizes := []int{100, 5, 50, 1, 20}
	tickets := make([]*ticket.Ticket, len(sizes))
	for i, sz := range sizes {
		tickets[i] = mkTicket("t1", sz)
		q.Enqueue(tickets[i])
	}

	first := q.TakeBatch(3, SJF)
	require.Len(t, first, 3)
	assert.Equal(t, []string{tickets[3].ID, tickets[1].ID, tickets[4].ID}, ids(first))

	second := q.TakeBatch(3, SJF)
	require.Len(t, second, 2)
	assert.Equal(t, []string{tickets[2].ID, tickets[0].ID}, ids(second))
}

// scenario 3: FAIR round-robin.
func TestTakeBatch_FAIR_RoundRobin(t *testing.T) {
	q := New(FAIR)
	a1 := mkTicket("A", 1)
	a2 := mkTicket("A", 1)
	a3 := mkTicket("A", 1)
	b1 := mkTicket("B", 1)
	a4 := mkTicket("A", 1)
	b2 := mkTicket("B", 1)
	for _, tk := range []*ticket.Ticket{a1, a2, a3, b1, a4, b2} {
		q.Enqueue(tk)
	}

	first := q.TakeBatch(4, FAIR)
	require.Len(t, first, 4)
	assert.Equal(t, ids([]*ticket.Ticket{a1, b1, a2, b2}), ids(first))

	second := q.TakeBatch(4, FAIR)
	require.Len(t, second, 2)
	assert.Equal(t, ids([]*ticket.Ticket{a3, a4}), ids(second))
}

// scenario 4: strategy switch between batches.
func TestTakeBatch_StrategySwitchBetweenBatches(t *testing.T) {
	q := New(FCFS)
	t1, t2, t3 := mkTicket("x", 50), mkTicket("x", 10), mkTicket("x", 100)
	q.Enqueue(t1)
	q.Enqueue(t2)
	q.Enqueue(t3)

	batch := q.TakeBatch(5, q.Strategy())
	assert.Equal(t, ids([]*ticket.Ticket{t1, t2, t3}), ids(batch))

	q.SetStrategy(SJF)

	t4, t5, t6 := mkTicket("x", 40), mkTicket("x", 5), mkTicket("x", 80)
	q.Enqueue(t4)
	q.Enqueue(t5)
	q.Enqueue(t6)

	next := q.TakeBatch(5, q.Strategy())
	assert.Equal(t, ids([]*ticket.Ticket{t5, t4, t6}), ids(next))
}

// scenario 6: tenant default participates in FAIR as a distinct tenant.
func TestEnqueue_DefaultTenantIsDistinct(t *testing.T) {
	q := New(FAIR)
	d1 := mkTicket("default", 1)
	b1 := mkTicket("b", 1)
	d2 := mkTicket("default", 1)
	q.Enqueue(d1)
	q.Enqueue(b1)
	q.Enqueue(d2)

	// Both tenants are new in this formation, so they enter the rotation in
	// alphabetical order: "b" before "default".
	batch := q.TakeBatch(2, FAIR)
	assert.Equal(t, ids([]*ticket.Ticket{b1, d1}), ids(batch))
}

// Invariant: no batch exceeds max_size.
func TestTakeBatch_NeverExceedsMax(t *testing.T) {
	for _, strat := range []Strategy{FCFS, SJF, FAIR} {
		q := New(strat)
		for i := 0; i < 20; i++ {
			q.Enqueue(mkTicket("t", i))
		}
		for q.PeekReady() {
			batch := q.TakeBatch(3, strat)
			assert.LessOrEqual(t, len(batch), 3)
		}
	}
}

// Invariant: SJF returns a prefix of the ascending-size order.
func TestTakeBatch_SJF_IsAscendingPrefix(t *testing.T) {
	q := New(SJF)
	sizes := []int{7, 3, 9, 1, 5, 2}
	for _, sz := range sizes {
		q.Enqueue(mkTicket("t", sz))
	}
	batch := q.TakeBatch(3, SJF)
	require.Len(t, batch, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{batch[0].Size, batch[1].Size, batch[2].Size})
}

// Boundary: empty queue yields an empty batch, no panic.
func TestTakeBatch_EmptyQueue(t *testing.T) {
	q := New(FCFS)
	assert.False(t, q.PeekReady())
	assert.Empty(t, q.TakeBatch(5, FCFS))
}

// Boundary: a single pending ticket forms a size-1 batch.
func TestTakeBatch_SingleTicket(t *testing.T) {
	q := New(FCFS)
	only := mkTicket("t", 1)
	q.Enqueue(only)
	batch := q.TakeBatch(5, FCFS)
	require.Len(t, batch, 1)
	assert.Equal(t, only.ID, batch[0].ID)
}

// FAIR starvation bound: with two continuously-backlogged tenants, neither
// tenant's completed count can drift by more than max_size over a window.
func TestTakeBatch_FAIR_BoundedSkew(t *testing.T) {
	const maxBatch = 4
	q := New(FAIR)
	completed := map[string]int{"A": 0, "B": 0}

	// Seed a heavy backlog so both tenants stay continuously non-empty
	// across every batch formation in this test.
	for i := 0; i < 100; i++ {
		q.Enqueue(mkTicket("A", 1))
	}
	for i := 0; i < 100; i++ {
		q.Enqueue(mkTicket("B", 1))
	}

	for i := 0; i < 2*maxBatch; i++ {
		batch := q.TakeBatch(maxBatch, FAIR)
		for _, tk := range batch {
			completed[tk.TenantID]++
		}
		diff := completed["A"] - completed["B"]
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqualf(t, diff, maxBatch, "iteration %d: skew %d exceeds max_batch", i, diff)
	}
}

// FAIR rotation resets on transition into FAIR, not on every activation.
func TestSetStrategy_FAIRResetsCursorOnlyOnTransition(t *testing.T) {
	q := New(FAIR)
	a1 := mkTicket("A", 1)
	b1 := mkTicket("B", 1)
	q.Enqueue(a1)
	q.Enqueue(b1)
	first := q.TakeBatch(1, FAIR) // consumes A, cursor now points at B
	assert.Equal(t, a1.ID, first[0].ID)

	// Switching to FAIR while already FAIR must not reset the cursor.
	q.SetStrategy(FAIR)
	second := q.TakeBatch(1, FAIR)
	assert.Equal(t, b1.ID, second[0].ID)
}

func TestParseStrategy_CaseInsensitive(t *testing.T) {
	for _, name := range []string{"fcfs", "FCFS", "Fcfs", "sjf", "SJF", "fair", "FAIR"} {
		_, ok := ParseStrategy(name)
		assert.Truef(t, ok, "expected %q to parse", name)
	}
	_, ok := ParseStrategy("bogus")
	assert.False(t, ok)
}
