package persist

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtreehq/tabtree/internal/forest"
)

func startAdapter(t *testing.T, kv *memKV, store *forest.Store, debounce time.Duration) *Adapter {
	t.Helper()
	a := NewAdapter(kv, func(ctx context.Context) (*forest.Snapshot, error) {
		return store.BuildSnapshot(), nil
	}, debounce, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func TestAdapterCoalescesBursts(t *testing.T) {
	kv := newMemKV()
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	a := startAdapter(t, kv, store, 50*time.Millisecond)

	a.NotifyMutation(1)
	a.NotifyMutation(2)
	a.NotifyMutation(3)

	require.Eventually(t, func() bool { return kv.setCount() == 1 },
		2*time.Second, 10*time.Millisecond, "a burst coalesces into one write")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, kv.setCount(), "no further writes without new mutations")

	// The persisted payload is the full current snapshot.
	values, err := kv.Get([]string{snapshotKey})
	require.NoError(t, err)
	var snap forest.Snapshot
	require.NoError(t, json.Unmarshal(values[snapshotKey], &snap))
	assert.Len(t, snap.Nodes, 1)
}

func TestAdapterFlushWithoutPendingIsNoop(t *testing.T) {
	kv := newMemKV()
	a := startAdapter(t, kv, forest.NewStore(), 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Flush(ctx))
	assert.Zero(t, kv.setCount())
}

func TestAdapterFlushWritesPendingRevision(t *testing.T) {
	kv := newMemKV()
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	a := startAdapter(t, kv, store, time.Minute) // debounce too long to fire on its own

	a.NotifyMutation(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		_ = a.Flush(ctx)
		return kv.setCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAdapterRetriesFailedWrites(t *testing.T) {
	kv := newMemKV()
	kv.setFailing(true)
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	a := startAdapter(t, kv, store, 30*time.Millisecond)

	a.NotifyMutation(1)

	require.Eventually(t, func() bool { return kv.attemptCount() >= 2 },
		3*time.Second, 10*time.Millisecond, "failed writes are retried with backoff")
	assert.Zero(t, kv.setCount())

	kv.setFailing(false)
	require.Eventually(t, func() bool { return kv.setCount() == 1 },
		5*time.Second, 20*time.Millisecond, "the retry eventually lands the snapshot")
}

func TestAdapterReassertsOnExternalChange(t *testing.T) {
	kv := newMemKV()
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	startAdapter(t, kv, store, time.Minute) // no pending mutations in play

	kv.changes <- struct{}{}

	require.Eventually(t, func() bool { return kv.setCount() == 1 },
		3*time.Second, 20*time.Millisecond, "an external write is overwritten with our snapshot")

	values, err := kv.Get([]string{snapshotKey})
	require.NoError(t, err)
	var snap forest.Snapshot
	require.NoError(t, json.Unmarshal(values[snapshotKey], &snap))
	assert.Len(t, snap.Nodes, 1)
}

func TestAdapterReassertRetriesAfterFailure(t *testing.T) {
	kv := newMemKV()
	kv.setFailing(true)
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	startAdapter(t, kv, store, 30*time.Millisecond)

	kv.changes <- struct{}{}

	require.Eventually(t, func() bool { return kv.attemptCount() >= 2 },
		3*time.Second, 10*time.Millisecond)

	kv.setFailing(false)
	require.Eventually(t, func() bool { return kv.setCount() == 1 },
		5*time.Second, 20*time.Millisecond)
}

func TestAdapterNotifyBeforeRunIsBuffered(t *testing.T) {
	kv := newMemKV()
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)

	// Startup notifies the adapter of the reconciled revision before the
	// run loop exists; the notification must not be lost.
	a := NewAdapter(kv, func(ctx context.Context) (*forest.Snapshot, error) {
		return store.BuildSnapshot(), nil
	}, 20*time.Millisecond, time.Second)
	a.NotifyMutation(store.Revision())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return kv.setCount() == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestAdapterFlushReportsWriteError(t *testing.T) {
	kv := newMemKV()
	kv.setFailing(true)
	store := forest.NewStore()
	store.CreateNode(1, 1, "", "", -1)
	a := startAdapter(t, kv, store, time.Minute)

	a.NotifyMutation(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	require.Eventually(t, func() bool {
		err = a.Flush(ctx)
		return err != nil && kv.attemptCount() > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWriteFailed)
}
