// Package memqueue is the in-process queue driver. It keeps the kafka
// driver's delivery contract (partition affinity by request id, bounded
// in-place redelivery) without a broker, for local runs and tests.
package memqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/queue"
)

const partitionDepth = 1024

type Config struct {
	Partitions  int
	MaxAttempts int
	RetryDelay  time.Duration
}

type Queue struct {
	log         zerolog.Logger
	parts       []chan queue.Message
	maxAttempts int
	retryDelay  time.Duration

	handler queue.Handler
	started atomic.Bool
	closed  atomic.Bool
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Queue {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	parts := make([]chan queue.Message, cfg.Partitions)
	for i := range parts {
		parts[i] = make(chan queue.Message, partitionDepth)
	}
	return &Queue{
		log:         log.With().Str("component", "memqueue").Logger(),
		parts:       parts,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		quit:        make(chan struct{}),
	}
}

// Start launches one consumer goroutine per partition.
func (q *Queue) Start(ctx context.Context, h queue.Handler) error {
	if h == nil {
		return errors.New("memqueue: nil handler")
	}
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("memqueue: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.handler = h
	for i := range q.parts {
		q.wg.Add(1)
		go q.consume(ctx, i)
	}
	q.log.Info().Int("partitions", len(q.parts)).Msg("memory queue started")
	return nil
}

// Stop halts consumption. Buffered messages are dropped; the sweeper picks
// the corresponding records up on the next run.
func (q *Queue) Stop() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	close(q.quit)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.log.Info().Msg("memory queue stopped")
}

func (q *Queue) Close() error {
	q.Stop()
	return nil
}

// Enqueue places the message on its request's partition. It blocks when the
// partition buffer is full and fails once the queue is stopped.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	if q.closed.Load() {
		observability.IncEnqueue("error")
		return errors.New("memqueue: closed")
	}
	p := partition(msg.RequestID.String(), len(q.parts))
	select {
	case q.parts[p] <- msg:
		observability.IncEnqueue("ok")
		return nil
	case <-q.quit:
		observability.IncEnqueue("error")
		return errors.New("memqueue: closed")
	case <-ctx.Done():
		observability.IncEnqueue("error")
		return fmt.Errorf("memqueue enqueue: %w", ctx.Err())
	}
}

// Readiness mirrors the kafka runner's surface; the driver is ready as soon
// as its consumers run.
func (q *Queue) Readiness() (bool, []int32) {
	if !q.started.Load() || q.closed.Load() {
		return false, nil
	}
	parts := make([]int32, len(q.parts))
	for i := range parts {
		parts[i] = int32(i)
	}
	return true, parts
}

func (q *Queue) consume(ctx context.Context, part int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.parts[part]:
			q.deliver(ctx, part, msg)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, part int, msg queue.Message) {
	for attempt := 1; ; attempt++ {
		acked := false
		err := q.handler(ctx, msg, func() { acked = true })
		if acked || err == nil {
			return
		}
		observability.IncQueueConsumerError("handler")
		if attempt >= q.maxAttempts {
			q.log.Error().Err(err).
				Str("request_id", msg.RequestID.String()).
				Int("partition", part).
				Int("attempts", attempt).
				Msg("dropping message after max delivery attempts")
			return
		}
		q.log.Warn().Err(err).
			Str("request_id", msg.RequestID.String()).
			Int("attempt", attempt).
			Msg("handler failed, redelivering")
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
}

func partition(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
