package progress

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(jobID string, progress int) domain.Event {
	return domain.Event{JobID: jobID, State: domain.StateProcessing, Progress: progress, At: time.Now()}
}

func TestEmitter_RoutesByJob(t *testing.T) {
	e := NewEmitter(8, testLogger())
	one := e.Subscribe("job-1")
	all := e.Subscribe("")
	defer one.Close()
	defer all.Close()

	e.Publish(event("job-1", 10))
	e.Publish(event("job-2", 20))

	got := <-one.Events()
	assert.Equal(t, "job-1", got.JobID)
	assert.Empty(t, one.Events())

	first := <-all.Events()
	second := <-all.Events()
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, "job-2", second.JobID)
}

func TestEmitter_DropsOldestWhenFull(t *testing.T) {
	e := NewEmitter(3, testLogger())
	sub := e.Subscribe("job-1")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		e.Publish(event("job-1", i))
	}

	assert.Equal(t, uint64(2), sub.Dropped())
	var progress []int
	for i := 0; i < 3; i++ {
		progress = append(progress, (<-sub.Events()).Progress)
	}
	assert.Equal(t, []int{3, 4, 5}, progress)
}

func TestEmitter_PublishNeverBlocksWithoutReader(t *testing.T) {
	e := NewEmitter(1, testLogger())
	_ = e.Subscribe("")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Publish(event("job-1", i%100))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
}

func TestSubscription_Close(t *testing.T) {
	e := NewEmitter(4, testLogger())
	sub := e.Subscribe("job-1")
	require.Equal(t, 1, e.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, e.SubscriberCount())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close is harmless
	e.Publish(event("job-1", 1))
}

func TestEmitter_Close(t *testing.T) {
	e := NewEmitter(4, testLogger())
	sub := e.Subscribe("")
	e.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := e.Subscribe("job-1")
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestEmitter_ConcurrentSubscribeAndPublish(t *testing.T) {
	e := NewEmitter(2, testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Publish(event("job-1", j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sub := e.Subscribe("job-1")
				sub.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, e.SubscriberCount())
}
