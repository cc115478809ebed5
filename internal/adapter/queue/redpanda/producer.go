// Package redpanda carries job dispatch over a Redpanda/Kafka topic. The
// store stays the source of truth; the topic is only the hand-off between
// the dispatcher and the runner pool, so delivery is at-least-once and the
// runner re-reads job state before acting.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// TopicJobs carries queued video jobs to the runner pool.
const TopicJobs = "video-jobs"

// Producer implements domain.Queue over a kgo client.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the brokers and makes sure the job topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers")
	}
	tracing := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(tracing.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w", err)
	}
	if err := ensureTopic(context.Background(), client, TopicJobs, 1, 1); err != nil {
		slog.Warn("topic bootstrap failed", slog.String("topic", TopicJobs), slog.Any("error", err))
	}
	return &Producer{client: client}, nil
}

// EnqueueJob publishes one job task. The job id keys the record so retries
// of the same job stay ordered.
func (p *Producer) EnqueueJob(ctx context.Context, payload domain.JobTaskPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue_encode: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicJobs,
		Key:   []byte(strconv.FormatInt(payload.JobID, 10)),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	slog.Info("job enqueued",
		slog.Int64("job_id", payload.JobID),
		slog.String("group_title", payload.GroupTitle))
	return nil
}

// Close shuts the producer down.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// interface guard
var _ domain.Queue = (*Producer)(nil)
