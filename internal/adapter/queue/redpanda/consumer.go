package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// HandlerFunc processes one dequeued job task. Handlers must be idempotent:
// delivery is at-least-once and the store decides whether work remains.
type HandlerFunc func(ctx context.Context, payload domain.JobTaskPayload) error

// Consumer reads job tasks from the topic and hands them to the runner pool.
type Consumer struct {
	client  *kgo.Client
	handler HandlerFunc
}

// NewConsumer joins the consumer group on the job topic.
func NewConsumer(brokers []string, group string, handler HandlerFunc) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers")
	}
	if handler == nil {
		return nil, fmt.Errorf("op=queue.consumer: nil handler")
	}
	tracing := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(tracing.Hooks()...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(TopicJobs),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler}, nil
}

// Run polls until the context ends. Each decoded record is handed to the
// handler on its own goroutine so one slow job never holds up the records
// behind it; the runner pool's own admission bound decides how many execute
// at once. Handler errors are logged, not retried here; the runner records
// failures in the store and the retry policy lives there.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})
	}
}

// processRecord decodes one record and dispatches the handler without
// blocking the poll loop.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	payload, err := decodeTask(record.Value)
	if err != nil {
		slog.Error("dropping undecodable job record", slog.Any("error", err))
		return
	}
	go func() {
		if err := c.handler(ctx, payload); err != nil {
			slog.Error("job handler failed",
				slog.Int64("job_id", payload.JobID),
				slog.Any("error", err))
		}
	}()
}

// decodeTask parses a record value into a job task payload.
func decodeTask(value []byte) (domain.JobTaskPayload, error) {
	var payload domain.JobTaskPayload
	if err := json.Unmarshal(value, &payload); err != nil {
		return domain.JobTaskPayload{}, fmt.Errorf("op=queue.decode: %w", err)
	}
	if payload.JobID == 0 {
		return domain.JobTaskPayload{}, fmt.Errorf("op=queue.decode: %w: missing job_id", domain.ErrInvalidArgument)
	}
	return payload, nil
}

// Close leaves the group and shuts the client down.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
