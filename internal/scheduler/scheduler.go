// Package scheduler implements the long-running dispatcher loop described
// in spec.md §4.3: a single goroutine that drains the pending queue into
// batches, guided by the active strategy, and hands each batch to the
// downstream client. Dispatch is strictly serial — at most one outstanding
// downstream call at any time — which is what gives the ordering policies
// their observable semantics (§5); parallelising it would need revisiting
// those guarantees, so this package does not attempt it.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssw/batchproxy/internal/downstream"
	"github.com/ssw/batchproxy/internal/metrics"
	"github.com/ssw/batchproxy/internal/queue"
	"github.com/ssw/batchproxy/internal/ticket"
	apperrors "github.com/ssw/batchproxy/pkg/errors"
)

// wakeTimeout bounds how long the dispatcher waits on an empty queue before
// re-checking — short enough for liveness, long enough that the loop does
// not spin. spec.md §4.3 calls for "a few milliseconds".
const wakeTimeout = 3 * time.Millisecond

// AuditSink receives the outcome of every dispatched batch. It must not
// block the dispatcher; implementations should be fire-and-forget.
type AuditSink interface {
	RecordBatch(outcome BatchOutcome)
}

// BatchOutcome summarizes one completed dispatch for audit/observability.
type BatchOutcome struct {
	Strategy   queue.Strategy
	TenantIDs  []string
	Size       int
	DurationMS float64
	Err        error
}

// Scheduler is the dispatcher: one goroutine, one outstanding downstream
// call at a time.
type Scheduler struct {
	queue      *queue.Queue
	downstream *downstream.Client
	maxBatch   int
	logger     *logrus.Logger
	tracer     trace.Tracer
	audit      AuditSink
}

// New builds a Scheduler. maxBatch must be >= 1; callers are expected to
// have validated that at startup (spec.md §9: MAX_BATCH < 1 is rejected
// before the process ever runs).
func New(q *queue.Queue, client *downstream.Client, maxBatch int, logger *logrus.Logger, tracer trace.Tracer, audit AuditSink) *Scheduler {
	return &Scheduler{
		queue:      q,
		downstream: client,
		maxBatch:   maxBatch,
		logger:     logger,
		tracer:     tracer,
		audit:      audit,
	}
}

// Run drives the dispatcher loop until ctx is cancelled. It is meant to be
// started as exactly one goroutine; the package makes no attempt to
// coordinate multiple concurrent Run calls.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithField("max_batch", s.maxBatch).Info("scheduler started")
	defer s.logger.Info("scheduler stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.queue.PeekReady() {
			select {
			case <-ctx.Done():
				return
			case <-s.queue.Wake():
			case <-time.After(wakeTimeout):
			}
			continue
		}

		strategy := s.queue.Strategy()
		batch := s.queue.TakeBatch(s.maxBatch, strategy)
		if len(batch) == 0 {
			continue
		}

		s.dispatch(ctx, strategy, batch)
	}
}

// dispatch hands one batch to the downstream client and fans the result (or
// a single error classification) out to every ticket in the batch. Once a
// batch is formed it is always dispatched to completion, regardless of
// what arrives in the queue meanwhile — spec.md §9 rules out preemption.
func (s *Scheduler) dispatch(ctx context.Context, strategy queue.Strategy, batch []*ticket.Ticket) {
	start := time.Now()

	spanCtx, span := s.tracer.Start(ctx, "batch.dispatch", trace.WithAttributes(
		attribute.String("strategy", strategy.String()),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	membershipAttrs := trace.WithAttributes(
		attribute.String("strategy", strategy.String()),
		attribute.Int("batch.size", len(batch)),
	)
	for _, t := range batch {
		if t.Span != nil {
			t.Span.AddEvent("batch.membership", membershipAttrs)
		}
	}

	items := make([][]byte, len(batch))
	for i, t := range batch {
		items[i] = t.Item
	}

	results, err := s.downstream.Classify(spanCtx, items)

	duration := time.Since(start)
	downstreamAttrs := trace.WithAttributes(
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.Bool("error", err != nil),
	)
	for _, t := range batch {
		if t.Span != nil {
			t.Span.AddEvent("downstream.call", downstreamAttrs)
		}
	}
	metrics.BatchSize.WithLabelValues(strategy.String()).Observe(float64(len(batch)))
	metrics.DownstreamLatency.WithLabelValues(strategy.String()).Observe(duration.Seconds())

	logEntry := s.logger.WithFields(logrus.Fields{
		"strategy":    strategy.String(),
		"batch_size":  len(batch),
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		span.RecordError(err)
		kind := apperrors.KindOf(err)
		metrics.BatchErrorsTotal.WithLabelValues(strategy.String(), string(kind)).Inc()
		logEntry.WithError(err).Warn("batch dispatch failed; publishing error to all tickets")
		for _, t := range batch {
			t.Complete(ticket.Outcome{Err: err})
		}
		s.recordAudit(strategy, batch, duration, err)
		return
	}

	if len(results) != len(batch) {
		mismatch := apperrors.New(apperrors.DownstreamProtocol, "scheduler.dispatch",
			"downstream result count does not match batch size")
		metrics.BatchErrorsTotal.WithLabelValues(strategy.String(), string(apperrors.DownstreamProtocol)).Inc()
		logEntry.WithError(mismatch).Error("downstream result/batch length mismatch")
		for _, t := range batch {
			t.Complete(ticket.Outcome{Err: mismatch})
		}
		s.recordAudit(strategy, batch, duration, mismatch)
		return
	}

	for i, t := range batch {
		t.Complete(ticket.Outcome{Result: results[i]})
	}
	logEntry.Debug("batch dispatched")
	s.recordAudit(strategy, batch, duration, nil)
}

func (s *Scheduler) recordAudit(strategy queue.Strategy, batch []*ticket.Ticket, duration time.Duration, err error) {
	if s.audit == nil {
		return
	}
	tenants := make([]string, len(batch))
	for i, t := range batch {
		tenants[i] = t.TenantID
	}
	s.audit.RecordBatch(BatchOutcome{
		Strategy:   strategy,
		TenantIDs:  tenants,
		Size:       len(batch),
		DurationMS: float64(duration.Microseconds()) / 1000.0,
		Err:        err,
	})
}
