package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newStartedScheduler(testContext *testing.T, queueSize int) *Scheduler {
	testContext.Helper()
	scheduler, err := NewScheduler(SchedulerConfig{
		Logger:    zap.NewNop(),
		Workers:   2,
		QueueSize: queueSize,
	})
	if err != nil {
		testContext.Fatalf("build scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	testContext.Cleanup(cancel)
	go scheduler.Start(ctx) //nolint:errcheck
	return scheduler
}

func TestSchedulerDeliversJobToHandler(testContext *testing.T) {
	scheduler := newStartedScheduler(testContext, 8)

	delivered := make(chan interface{}, 1)
	scheduler.Register("test.kind", func(ctx context.Context, payload interface{}) error {
		delivered <- payload
		return nil
	})

	scheduler.Enqueue("test.kind", "payload-value", 0)

	select {
	case payload := <-delivered:
		if payload != "payload-value" {
			testContext.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		testContext.Fatal("expected job delivery within deadline")
	}
}

func TestSchedulerHonorsDelay(testContext *testing.T) {
	scheduler := newStartedScheduler(testContext, 8)

	delivered := make(chan time.Time, 1)
	scheduler.Register("test.delayed", func(ctx context.Context, payload interface{}) error {
		delivered <- time.Now()
		return nil
	})

	enqueued := time.Now()
	scheduler.Enqueue("test.delayed", nil, 100*time.Millisecond)

	select {
	case firedAt := <-delivered:
		if elapsed := firedAt.Sub(enqueued); elapsed < 100*time.Millisecond {
			testContext.Fatalf("job fired after %v, expected at least the delay", elapsed)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatal("expected delayed job to fire")
	}
}

func TestSchedulerDropsUnknownKind(testContext *testing.T) {
	scheduler := newStartedScheduler(testContext, 8)

	delivered := make(chan struct{}, 1)
	scheduler.Register("test.known", func(ctx context.Context, payload interface{}) error {
		delivered <- struct{}{}
		return nil
	})

	scheduler.Enqueue("test.unknown", nil, 0)
	scheduler.Enqueue("test.known", nil, 0)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		testContext.Fatal("expected known job to survive an unknown one")
	}
}

func TestSchedulerHandlerErrorDoesNotStopWorkers(testContext *testing.T) {
	scheduler := newStartedScheduler(testContext, 8)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	scheduler.Register("test.flaky", func(ctx context.Context, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, payload.(int))
		if len(order) == 2 {
			close(done)
		}
		if payload.(int) == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	scheduler.Enqueue("test.flaky", 1, 0)
	scheduler.Enqueue("test.flaky", 2, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		testContext.Fatal("expected second job to run after a failing first")
	}
}

func TestEnqueueNeverBlocksOnSaturatedQueue(testContext *testing.T) {
	// No Start call: nothing drains the queue.
	scheduler, err := NewScheduler(SchedulerConfig{Logger: zap.NewNop(), QueueSize: 1})
	if err != nil {
		testContext.Fatalf("build scheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			scheduler.Enqueue("test.kind", i, 0)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		testContext.Fatal("enqueue blocked on a full queue")
	}
}
