package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	events []Event
}

func (f *fakeLog) ListEvents(runID string, afterSeq int64) ([]Event, error) {
	var out []Event
	for _, e := range f.events {
		if e.RunID == runID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestHub_SubscribeReplaysMissedThenLive(t *testing.T) {
	log := &fakeLog{events: []Event{
		{RunID: "run-1", Seq: 1, Message: "started"},
		{RunID: "run-1", Seq: 2, Message: "scanning"},
	}}
	hub := New(log)

	ch, missed, err := hub.Subscribe("run-1", 1)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	require.Equal(t, int64(2), missed[0].Seq)

	hub.Publish(Event{RunID: "run-1", Seq: 3, Message: "uploading"})

	select {
	case ev := <-ch:
		require.Equal(t, int64(3), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	hub.Unsubscribe("run-1", ch)
}

func TestHub_PublishDropsSlowSubscriberWithoutBlockingOthers(t *testing.T) {
	hub := New(&fakeLog{})

	slow, _, err := hub.Subscribe("run-1", 0)
	require.NoError(t, err)
	fast, _, err := hub.Subscribe("run-1", 0)
	require.NoError(t, err)

	received := make(chan int, subscriberBuf*2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		count := 0
		for range fast {
			count++
			received <- count
		}
	}()

	// Fill the slow subscriber's buffer without draining it, while fast
	// drains continuously in the background and must keep receiving.
	for i := 0; i < subscriberBuf+5; i++ {
		hub.Publish(Event{RunID: "run-1", Seq: int64(i + 1)})
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber never received an event")
	}

	// slow was dropped and its channel closed once its buffer overflowed; it
	// still yields the subscriberBuf events buffered before the drop.
	for i := 0; i < subscriberBuf; i++ {
		_, ok := <-slow
		require.True(t, ok)
	}
	_, stillSubscribed := <-slow
	require.False(t, stillSubscribed)

	hub.Unsubscribe("run-1", fast)
	<-done
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := New(&fakeLog{})
	ch, _, err := hub.Subscribe("run-1", 0)
	require.NoError(t, err)

	hub.Unsubscribe("run-1", ch)
	require.NotPanics(t, func() { hub.Unsubscribe("run-1", ch) })
}

func TestHub_PruneRemovesOnlyIdleRunsWithNoSubscribers(t *testing.T) {
	hub := New(&fakeLog{})
	ch, _, err := hub.Subscribe("run-active", 0)
	require.NoError(t, err)
	defer hub.Unsubscribe("run-active", ch)

	idleCh, _, err := hub.Subscribe("run-idle", 0)
	require.NoError(t, err)
	hub.Unsubscribe("run-idle", idleCh)

	require.Equal(t, 2, hub.ActiveRuns())

	hub.Prune(time.Now().Add(idleTTL + time.Minute))

	require.Equal(t, 1, hub.ActiveRuns())
}
