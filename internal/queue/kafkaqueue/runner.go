package kafkaqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/queue"
)

const consumeBackoff = 2 * time.Second

type RunnerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Runner consumes processing messages with Concurrency consumer-group
// members. Offsets are marked manually: a message is marked when the handler
// acks, when it returns nil, when it cannot be decoded, or after MaxAttempts
// failed deliveries.
type Runner struct {
	log     zerolog.Logger
	cfg     RunnerConfig
	handler queue.Handler

	assignMu sync.RWMutex
	members  []map[int32]struct{}
	started  atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRunner(cfg RunnerConfig, h queue.Handler, log zerolog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Runner{
		log:     log.With().Str("component", "kafka_runner").Logger(),
		cfg:     cfg,
		handler: h,
		members: make([]map[int32]struct{}, cfg.Concurrency),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.handler == nil {
		return errors.New("kafka runner: nil handler")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	for i := 0; i < r.cfg.Concurrency; i++ {
		group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
		if err != nil {
			cancel()
			return fmt.Errorf("consumer group: %w", err)
		}
		r.startMember(ctx, i, group)
	}

	r.started.Store(true)
	r.log.Info().
		Str("topic", r.cfg.Topic).
		Str("group", r.cfg.GroupID).
		Strs("brokers", r.cfg.Brokers).
		Int("members", r.cfg.Concurrency).
		Msg("kafka runner started")
	return nil
}

func (r *Runner) startMember(ctx context.Context, member int, group sarama.ConsumerGroup) {
	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			parts := map[int32]struct{}{}
			for _, ps := range sess.Claims() {
				for _, p := range ps {
					parts[p] = struct{}{}
				}
			}
			r.setAssigned(member, parts)
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.setAssigned(member, nil)
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error().Err(err).Int("member", member).Msg("consumer group close")
			}
		}()
		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				observability.IncQueueConsumerError("consume")
				r.log.Error().Err(err).Int("member", member).Msg("kafka consume error")
				select {
				case <-time.After(consumeBackoff):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			observability.IncQueueConsumerError("group")
			r.log.Error().Err(err).Int("member", member).Msg("kafka group error")
		}
	}()
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.started.Store(false)
	r.log.Info().Msg("kafka runner stopped")
}

// Readiness reports whether any member holds a partition assignment.
func (r *Runner) Readiness() (bool, []int32) {
	if !r.started.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	var partitions []int32
	for _, parts := range r.members {
		for p := range parts {
			partitions = append(partitions, p)
		}
	}
	return len(partitions) > 0, partitions
}

func (r *Runner) setAssigned(member int, parts map[int32]struct{}) {
	r.assignMu.Lock()
	r.members[member] = parts
	r.assignMu.Unlock()
}

// handleMessage drives one delivery through the bounded-redelivery contract.
// It never returns an error to ConsumeClaim: a failure past MaxAttempts is a
// poison message and is marked so the partition keeps moving.
func (r *Runner) handleMessage(ctx context.Context, sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	var m queue.Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		observability.IncQueueConsumerError("decode")
		r.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("dropping undecodable message")
		sess.MarkMessage(msg, "")
		return
	}

	for attempt := 1; ; attempt++ {
		acked := false
		err := r.handler(ctx, m, func() {
			if !acked {
				acked = true
				sess.MarkMessage(msg, "")
			}
		})
		if acked {
			return
		}
		if err == nil {
			sess.MarkMessage(msg, "")
			return
		}

		observability.IncQueueConsumerError("handler")
		if attempt >= r.cfg.MaxAttempts {
			r.log.Error().Err(err).
				Str("request_id", m.RequestID.String()).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Int("attempts", attempt).
				Msg("dropping message after max delivery attempts")
			sess.MarkMessage(msg, "")
			return
		}
		r.log.Warn().Err(err).
			Str("request_id", m.RequestID.String()).
			Int("attempt", attempt).
			Msg("handler failed, redelivering")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, sarama.ConsumerGroupSession, *sarama.ConsumerMessage)
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		h.process(ctx, sess, msg)
	}
	return nil
}
