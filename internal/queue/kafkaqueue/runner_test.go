package kafkaqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/queue"
)

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "webhook-processing" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func messageBytes(id uuid.UUID) []byte {
	b, _ := json.Marshal(queue.NewMessage(id, coord.Key{Lat: 48.8584, Lng: 2.2945, RadiusMeters: 500}))
	return b
}

func newRunnerForTest(h queue.Handler, maxAttempts int) *Runner {
	return NewRunner(RunnerConfig{
		Brokers:     []string{"x"},
		Topic:       "webhook-processing",
		GroupID:     "g",
		Concurrency: 1,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Millisecond,
	}, h, zerolog.Nop())
}

func TestClaimMarksAckedMessages(t *testing.T) {
	var calls atomic.Int32
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, ack func()) error {
		calls.Add(1)
		ack()
		return nil
	}, 3)
	g := &groupHandler{process: r.handleMessage}

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 10, Value: messageBytes(uuid.New())}
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 11, Value: messageBytes(uuid.New())}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets = %v, want [10 11]", s.marked)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler calls = %d, want 2", n)
	}
}

func TestRedeliveryInPlaceThenMark(t *testing.T) {
	var calls atomic.Int32
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, ack func()) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		ack()
		return nil
	}, 3)
	g := &groupHandler{process: r.handleMessage}

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 5, Value: messageBytes(uuid.New())}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("marked = %v, want [5]", s.marked)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler calls = %d, want 2", n)
	}
}

func TestPoisonMessageMarkedAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, _ func()) error {
		calls.Add(1)
		return errors.New("poison")
	}, 3)
	g := &groupHandler{process: r.handleMessage}

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 7, Value: messageBytes(uuid.New())}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("handler calls = %d, want 3", n)
	}
	// still marked so the partition is not wedged
	if len(s.marked) != 1 || s.marked[0] != 7 {
		t.Fatalf("marked = %v, want [7]", s.marked)
	}
}

func TestUndecodableMessageMarkedWithoutHandler(t *testing.T) {
	var calls atomic.Int32
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, ack func()) error {
		calls.Add(1)
		ack()
		return nil
	}, 3)
	g := &groupHandler{process: r.handleMessage}

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 3, Value: []byte("{not json")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times on garbage", n)
	}
	if len(s.marked) != 1 || s.marked[0] != 3 {
		t.Fatalf("marked = %v, want [3]", s.marked)
	}
}

func TestAckStopsRedelivery(t *testing.T) {
	var calls atomic.Int32
	// acks and then errors: the ack wins, no retry
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, ack func()) error {
		calls.Add(1)
		ack()
		return errors.New("late failure")
	}, 3)
	g := &groupHandler{process: r.handleMessage}

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "webhook-processing", Partition: 0, Offset: 9, Value: messageBytes(uuid.New())}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler calls = %d, want 1", n)
	}
	if len(s.marked) != 1 {
		t.Fatalf("marked = %v, want one mark", s.marked)
	}
}

func TestReadinessTracksAssignments(t *testing.T) {
	r := newRunnerForTest(func(_ context.Context, _ queue.Message, ack func()) error {
		ack()
		return nil
	}, 3)

	if ready, _ := r.Readiness(); ready {
		t.Fatal("unstarted runner reports ready")
	}

	r.started.Store(true)
	if ready, _ := r.Readiness(); ready {
		t.Fatal("runner with no assignment reports ready")
	}

	r.setAssigned(0, map[int32]struct{}{0: {}, 2: {}})
	ready, parts := r.Readiness()
	if !ready || len(parts) != 2 {
		t.Fatalf("ready = %v parts = %v, want ready with 2 partitions", ready, parts)
	}

	r.setAssigned(0, nil)
	if ready, _ := r.Readiness(); ready {
		t.Fatal("runner reports ready after rebalance cleared assignment")
	}
}
