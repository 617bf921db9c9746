// Package ticket defines the unit of work that flows from the HTTP frontend
// through the pending queue to the dispatcher and back. A Ticket is created
// on intake and destroyed once its completion handle has been read.
package ticket

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what the dispatcher publishes on a ticket's completion handle:
// either a downstream result or the error kind that befell its batch.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Ticket is a single pending classification request plus its completion
// handle. The handle (done) is a buffered channel of capacity 1 so that a
// publish from the dispatcher never blocks, even if the HTTP handler that
// created the ticket has already abandoned it to caller cancellation.
type Ticket struct {
	ID       string
	TenantID string
	Item     []byte
	Size     int

	// Span covers this ticket's full lifecycle — intake, enqueue, batch
	// membership, downstream call, response — as a sequence of events on
	// one span, set by the frontend and added to by the scheduler. It is nil
	// for a ticket enqueued without one; the scheduler skips its events then.
	Span trace.Span

	done chan Outcome
}

// New builds a Ticket for an intake request. tenantID should already have
// the "default" fallback applied by the caller. Size, the scheduler's
// ordering key, is set here to len(item).
func New(tenantID string, item []byte) *Ticket {
	return &Ticket{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Item:     item,
		Size:     len(item),
		done:     make(chan Outcome, 1),
	}
}

// Complete publishes an outcome on the ticket's completion handle. It is
// safe to call at most once per ticket; the dispatcher enforces that by
// construction (each ticket is dispatched exactly once). A non-blocking
// send protects against a duplicate signal turning into a panic or a
// deadlock rather than silently being dropped.
func (t *Ticket) Complete(o Outcome) {
	select {
	case t.done <- o:
	default:
	}
}

// Await blocks until the ticket's outcome is published or ctx is cancelled.
// On cancellation the ticket is NOT removed from the queue — per spec, the
// result, once produced, is simply discarded by virtue of nobody reading it.
func (t *Ticket) Await(ctx context.Context) (Outcome, error) {
	select {
	case o := <-t.done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
