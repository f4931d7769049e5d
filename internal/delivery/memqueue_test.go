package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct {
	mu      sync.Mutex
	batches [][]*record.UsageRecord
	fail    bool
}

func (c *countingSender) SendBatch(ctx context.Context, batch record.Batch) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, assertError
	}
	c.batches = append(c.batches, []*record.UsageRecord(batch))
	results := make([]Result, len(batch))
	for i, r := range batch {
		results[i] = Result{ResponseID: r.ResponseID, Status: "queued"}
	}
	return &SendResult{Results: results}, nil
}

var assertError = &errs.TransportError{Attempts: 1}

func TestMemQueue_DeliversEnqueuedRecords(t *testing.T) {
	sender := &countingSender{}
	mq := NewMemQueue(sender, MemQueueConfig{
		Capacity: 10, BatchInterval: 10 * time.Millisecond, MaxBatchSize: 5, MaxRetries: 1,
		Overflow: OverflowBackpressure, ShutdownDeadline: time.Second,
	}, nil, nil, &Metrics{})

	ctx := t.Context()
	require.NoError(t, mq.Start(ctx))

	r := record.Build("svc", map[string]any{"a": 1}, record.BuildOptions{ResponseID: "r1"})
	_, err := mq.Deliver(ctx, record.Batch{r})
	require.NoError(t, err)

	require.NoError(t, mq.Close(ctx))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var total int
	for _, b := range sender.batches {
		total += len(b)
	}
	assert.Equal(t, 1, total)
}

func TestMemQueue_OverflowRaise(t *testing.T) {
	sender := &countingSender{}
	mq := NewMemQueue(sender, MemQueueConfig{
		Capacity: 1, BatchInterval: time.Second, MaxBatchSize: 1, MaxRetries: 1,
		Overflow: OverflowRaise, ShutdownDeadline: time.Second,
	}, nil, nil, &Metrics{})

	ctx := t.Context()
	r1 := record.Build("svc", nil, record.BuildOptions{ResponseID: "r1"})
	r2 := record.Build("svc", nil, record.BuildOptions{ResponseID: "r2"})

	_, err := mq.Deliver(ctx, record.Batch{r1})
	require.NoError(t, err)

	_, err = mq.Deliver(ctx, record.Batch{r2})
	require.Error(t, err)
	var qf *errs.QueueFull
	require.ErrorAs(t, err, &qf)
}

func TestMemQueue_OverflowBackpressureDiscardsOldest(t *testing.T) {
	var discarded []*record.UsageRecord
	mq := NewMemQueue(&countingSender{}, MemQueueConfig{
		Capacity: 2, BatchInterval: time.Second, MaxBatchSize: 1, MaxRetries: 1,
		Overflow: OverflowBackpressure,
		OnDiscard: func(r *record.UsageRecord) {
			discarded = append(discarded, r)
		},
		ShutdownDeadline: time.Second,
	}, nil, nil, &Metrics{})

	ctx := t.Context()
	for i, id := range []string{"r1", "r2", "r3"} {
		r := record.Build("svc", nil, record.BuildOptions{ResponseID: id})
		_, err := mq.Deliver(ctx, record.Batch{r})
		require.NoError(t, err, "enqueue %d", i)
	}

	require.Len(t, discarded, 1)
	assert.Equal(t, "r1", discarded[0].ResponseID)
}

func TestMemQueue_CloseDrainsRemaining(t *testing.T) {
	sender := &countingSender{}
	mq := NewMemQueue(sender, MemQueueConfig{
		Capacity: 100, BatchInterval: 5 * time.Second, MaxBatchSize: 10, MaxRetries: 1,
		Overflow: OverflowBackpressure, ShutdownDeadline: 2 * time.Second,
	}, nil, nil, &Metrics{})

	ctx := t.Context()
	require.NoError(t, mq.Start(ctx))

	for i := 0; i < 5; i++ {
		r := record.Build("svc", nil, record.BuildOptions{})
		_, err := mq.Deliver(ctx, record.Batch{r})
		require.NoError(t, err)
	}

	require.NoError(t, mq.Close(ctx))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var total int
	for _, b := range sender.batches {
		total += len(b)
	}
	assert.Equal(t, 5, total)
}
