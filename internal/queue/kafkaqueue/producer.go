// Package kafkaqueue is the broker-backed queue driver: a sync producer on
// the submission side and a consumer-group runner on the worker side.
package kafkaqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/queue"
)

type Producer struct {
	log   zerolog.Logger
	sp    sarama.SyncProducer
	topic string
}

// NewProducer connects a synchronous producer. WaitForAll acks: Enqueue runs
// inside the submit transaction and must not report success the broker can
// lose.
func NewProducer(brokers []string, topic string, log zerolog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("sync producer: %w", err)
	}
	return &Producer{
		log:   log.With().Str("component", "kafka_producer").Logger(),
		sp:    sp,
		topic: topic,
	}, nil
}

// Enqueue publishes the message keyed by request id, so redeliveries of the
// same request land on one partition.
func (p *Producer) Enqueue(ctx context.Context, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		observability.IncEnqueue("error")
		return fmt.Errorf("kafka enqueue: %w", err)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		observability.IncEnqueue("error")
		return fmt.Errorf("encode message: %w", err)
	}

	partition, offset, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.RequestID.String()),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		observability.IncEnqueue("error")
		return fmt.Errorf("send message: %w", err)
	}

	observability.IncEnqueue("ok")
	p.log.Debug().
		Str("request_id", msg.RequestID.String()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("processing message enqueued")
	return nil
}

func (p *Producer) Close() error {
	return p.sp.Close()
}
