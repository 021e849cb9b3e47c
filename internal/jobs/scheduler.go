package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingLogger  = errors.New("logger is required")
	errUnknownJobKind = errors.New("no handler registered for job kind")
)

const defaultHandlerTimeout = 2 * time.Minute

// HandlerFunc processes one fired job. A returned error is logged and the
// job dropped; callers requiring retry re-enqueue explicitly.
type HandlerFunc func(ctx context.Context, payload interface{}) error

// Job pairs a kind with its payload.
type Job struct {
	Kind    string
	Payload interface{}
}

// SchedulerConfig configures the in-process job scheduler.
type SchedulerConfig struct {
	Logger *zap.Logger
	// Workers is the number of concurrent handler goroutines.
	Workers int
	// QueueSize bounds the pending job buffer. A full queue drops the job
	// with an error log rather than blocking the enqueuing call.
	QueueSize int
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
}

// Scheduler delivers enqueued jobs to registered handlers at least once,
// without blocking the enqueuing caller. Jobs for the same entity may run
// concurrently; handlers rely on the store's atomic single-row patch.
type Scheduler struct {
	logger         *zap.Logger
	queue          chan Job
	workers        int
	handlerTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler constructs a stopped scheduler; call Start to begin delivery.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Logger == nil {
		return nil, errMissingLogger
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	handlerTimeout := cfg.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	return &Scheduler{
		logger:         cfg.Logger,
		queue:          make(chan Job, queueSize),
		workers:        workers,
		handlerTimeout: handlerTimeout,
		handlers:       make(map[string]HandlerFunc),
		done:           make(chan struct{}),
	}, nil
}

// Register binds a handler to a job kind. Registration after Start is
// allowed but jobs for unknown kinds are dropped with an error log.
func (s *Scheduler) Register(kind string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Enqueue schedules the job to run no earlier than delay from now. The call
// never blocks; when the queue is saturated the job is dropped and logged.
func (s *Scheduler) Enqueue(kind string, payload interface{}, delay time.Duration) {
	job := Job{Kind: kind, Payload: payload}
	if delay <= 0 {
		s.dispatch(job)
		return
	}
	time.AfterFunc(delay, func() {
		s.dispatch(job)
	})
}

func (s *Scheduler) dispatch(job Job) {
	select {
	case <-s.done:
		s.logger.Warn("job dropped after scheduler stop", zap.String("kind", job.Kind))
	case s.queue <- job:
	default:
		s.logger.Error("job queue saturated, dropping job", zap.String("kind", job.Kind))
	}
}

// Start launches the worker pool and blocks until ctx is cancelled, then
// drains in-flight handlers before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	})

	<-ctx.Done()
	close(s.done)
	s.wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case job := <-s.queue:
			s.run(job)
		}
	}
}

func (s *Scheduler) run(job Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Kind]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("job dropped", zap.String("kind", job.Kind), zap.Error(errUnknownJobKind))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()

	started := time.Now()
	if err := handler(ctx, job.Payload); err != nil {
		s.logger.Error("job failed",
			zap.String("kind", job.Kind),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return
	}
	s.logger.Info("job completed",
		zap.String("kind", job.Kind),
		zap.Duration("elapsed", time.Since(started)))
}
