package exho

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrQueueClosed = errors.New("request queue closed")

// queueUnit is a single unit of work waiting in the RequestQueue
type queueUnit struct {
	ctx      context.Context
	fn       func(context.Context) error
	done     chan error
	queuedAt time.Time
}

// RequestQueue serializes outbound model requests. Units are dispatched
// one at a time, in the order they were submitted, with at least
// QueueConfig.Interval between two dispatches.
type RequestQueue struct {
	config     *QueueConfig
	logger     *slog.Logger
	limiter    *rate.Limiter
	units      chan *queueUnit
	closed     chan struct{}
	closeOnce  sync.Once
	dispatched atomic.Int64

	// lastDispatch is only touched by the Run goroutine
	lastDispatch time.Time
}

func NewRequestQueue(config *QueueConfig, logger *slog.Logger) *RequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.Interval > 0 {
		limit = rate.Every(config.Interval)
	}
	size := config.Size
	if size < 1 {
		size = 1
	}
	return &RequestQueue{
		config:  config,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		units:   make(chan *queueUnit, size),
		closed:  make(chan struct{}),
	}
}

// Len returns the number of units waiting for dispatch
func (q *RequestQueue) Len() int {
	return len(q.units)
}

// Dispatched returns the number of units run so far
func (q *RequestQueue) Dispatched() int64 {
	return q.dispatched.Load()
}

// Do submits fn and blocks until it has run, returning its error.
// If ctx is done before fn starts, fn is skipped and ctx.Err() is
// returned. When the queue is full, Do waits for a free slot.
func (q *RequestQueue) Do(ctx context.Context, fn func(context.Context) error) error {
	unit := &queueUnit{
		ctx:      ctx,
		fn:       fn,
		done:     make(chan error, 1),
		queuedAt: time.Now(),
	}

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.units <- unit:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}

	logger := contextLoggerOr(ctx, q.logger)
	logger.DebugContext(ctx, "queued request", "queue_size", q.Len())

	select {
	case err := <-unit.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		select {
		case err := <-unit.done:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Run dispatches queued units until ctx is done. Units still waiting
// when Run returns are released with ErrQueueClosed.
func (q *RequestQueue) Run(ctx context.Context) error {
	q.logger.InfoContext(
		ctx,
		"starting request queue",
		"size", cap(q.units),
		"interval", q.config.Interval,
	)
	defer q.close(ctx)

	for {
		select {
		case <-ctx.Done():
			q.logger.InfoContext(ctx, "request queue stopped")
			return nil
		case unit := <-q.units:
			if err := unit.ctx.Err(); err != nil {
				q.logger.WarnContext(
					ctx,
					"discarding canceled request",
					"queued_for", time.Since(unit.queuedAt),
					tint.Err(err),
				)
				unit.done <- err
				continue
			}
			if err := q.limiter.Wait(ctx); err != nil {
				unit.done <- ErrQueueClosed
				return nil
			}
			if err := q.waitSpacing(ctx); err != nil {
				unit.done <- ErrQueueClosed
				return nil
			}
			q.dispatch(unit)
		}
	}
}

// waitSpacing holds the next dispatch until Interval has passed since the
// previous one. The limiter spaces its reservations, not the moments
// units actually start.
func (q *RequestQueue) waitSpacing(ctx context.Context) error {
	if q.config.Interval <= 0 || q.lastDispatch.IsZero() {
		return nil
	}
	wait := q.config.Interval - time.Since(q.lastDispatch)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (q *RequestQueue) dispatch(unit *queueUnit) {
	q.lastDispatch = time.Now()
	n := q.dispatched.Add(1)
	logger := contextLoggerOr(unit.ctx, q.logger)
	logger.DebugContext(
		unit.ctx,
		"dispatching request",
		"dispatch", n,
		"queued_for", time.Since(unit.queuedAt),
		"queue_size", q.Len(),
	)

	var err error
	func() {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(unit.ctx, rc)
				err = fmt.Errorf("request panicked: %v", rc)
			}
		}()
		err = unit.fn(unit.ctx)
	}()
	unit.done <- err
}

func (q *RequestQueue) close(ctx context.Context) {
	q.closeOnce.Do(
		func() {
			close(q.closed)
		},
	)
	dropped := 0
	for {
		select {
		case unit := <-q.units:
			unit.done <- ErrQueueClosed
			dropped++
		default:
			if dropped > 0 {
				q.logger.WarnContext(ctx, "dropped queued requests", "count", dropped)
			}
			return
		}
	}
}
