package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

func TestDecodeTask(t *testing.T) {
	t.Parallel()
	payload, err := decodeTask([]byte(`{"job_id":42,"group_title":"Sora","profile_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), payload.JobID)
	assert.Equal(t, "Sora", payload.GroupTitle)
	assert.Equal(t, int64(7), payload.ProfileID)
}

func TestDecodeTask_Garbage(t *testing.T) {
	t.Parallel()
	_, err := decodeTask([]byte(`{`))
	assert.Error(t, err)
}

func TestDecodeTask_MissingJobID(t *testing.T) {
	t.Parallel()
	_, err := decodeTask([]byte(`{"group_title":"Sora"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestProcessRecord_HandlerReceivesPayload(t *testing.T) {
	t.Parallel()
	got := make(chan domain.JobTaskPayload, 1)
	c := &Consumer{handler: func(_ context.Context, p domain.JobTaskPayload) error {
		got <- p
		return nil
	}}
	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`{"job_id":9,"profile_id":3}`)})
	select {
	case p := <-got:
		assert.Equal(t, int64(9), p.JobID)
		assert.Equal(t, int64(3), p.ProfileID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestProcessRecord_DropsGarbageWithoutCallingHandler(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	c := &Consumer{handler: func(_ context.Context, _ domain.JobTaskPayload) error {
		called <- struct{}{}
		return nil
	}}
	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`nope`)})
	select {
	case <-called:
		t.Fatal("handler called for an undecodable record")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessRecord_SlowHandlerDoesNotSerializeRecords(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan int64, 2)
	c := &Consumer{handler: func(_ context.Context, p domain.JobTaskPayload) error {
		started <- p.JobID
		<-release
		return nil
	}}
	defer close(release)

	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`{"job_id":1}`)})
	c.processRecord(context.Background(), &kgo.Record{Value: []byte(`{"job_id":2}`)})

	// both handlers must start even though neither has finished
	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second handler never started; records are processed one at a time")
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(nil)
	assert.Error(t, err)
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	t.Parallel()
	_, err := NewConsumer([]string{"localhost:19092"}, "g", nil)
	assert.Error(t, err)
}
