package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := Open(Options{Dir: dir, BackoffDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func job(id string, priority int) *Job {
	return &Job{
		ID:       id,
		Payload:  json.RawMessage(`{"k":"v"}`),
		Priority: priority,
	}
}

func dequeue(t *testing.T, q *Queue) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return j
}

func TestPriorityOrderThenFIFO(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("low", 1)))
	require.NoError(t, q.Enqueue(job("high", 10)))
	require.NoError(t, q.Enqueue(job("mid-1", 5)))
	require.NoError(t, q.Enqueue(job("mid-2", 5)))

	assert.Equal(t, "high", dequeue(t, q).ID)
	assert.Equal(t, "mid-1", dequeue(t, q).ID)
	assert.Equal(t, "mid-2", dequeue(t, q).ID)
	assert.Equal(t, "low", dequeue(t, q).ID)
}

func TestEnqueueIdempotentByID(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("dup", 5)))
	require.NoError(t, q.Enqueue(job("dup", 5)))
	assert.Equal(t, 1, q.Depth())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	assert.ErrorIs(t, q.Enqueue(nil), ErrInvalid)
	assert.ErrorIs(t, q.Enqueue(&Job{ID: "x"}), ErrInvalid)
	assert.ErrorIs(t, q.Enqueue(&Job{Payload: json.RawMessage(`{}`)}), ErrInvalid)
}

func TestAckRemovesJob(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("a", 5)))
	j := dequeue(t, q)
	require.NoError(t, q.Ack(j.ID))

	st := q.Stats()
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, 0, st.Active)
	assert.EqualValues(t, 1, st.Completed)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("flaky", 5)))

	cause := errors.New("boom")
	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		j := dequeue(t, q)
		require.Equal(t, "flaky", j.ID)
		require.NoError(t, q.Nack(j.ID, cause))
	}

	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, q.Depth())
}

func TestNackPermanentSkipsRetries(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("bad", 5)))
	j := dequeue(t, q)
	require.NoError(t, q.NackPermanent(j.ID, errors.New("malformed")))

	st := q.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, q.Depth())
}

func TestNackedJobRedeliveredAfterBackoff(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Enqueue(job("retry", 5)))
	j := dequeue(t, q)
	require.NoError(t, q.Nack(j.ID, errors.New("transient")))

	// Redelivered by the promote loop once the backoff elapses.
	j2 := dequeue(t, q)
	assert.Equal(t, "retry", j2.ID)
	assert.Equal(t, 1, j2.Attempts)
	assert.Equal(t, "transient", j2.LastError)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	require.NoError(t, q.Enqueue(job("keep-1", 5)))
	require.NoError(t, q.Enqueue(job("keep-2", 8)))

	// An in-flight job that was never acked comes back as waiting.
	j := dequeue(t, q)
	require.Equal(t, "keep-2", j.ID)
	q.Close()

	q2 := openTestQueue(t, dir)
	assert.Equal(t, 2, q2.Depth())
	assert.Equal(t, "keep-2", dequeue(t, q2).ID)
	assert.Equal(t, "keep-1", dequeue(t, q2).ID)
}

func TestDequeueHonorsContext(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesConsumers(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not woken by Close")
	}
}
