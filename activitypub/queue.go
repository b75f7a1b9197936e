package activitypub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	ErrQueueFull   = errors.New("delivery queue is full")
	ErrQueueClosed = errors.New("delivery queue is shut down")
)

// ActivityDeliverer delivers a single signed activity.
type ActivityDeliverer interface {
	Deliver(ctx context.Context, activity any, inboxURL, keyId, privateKeyPem string) error
}

// DeliveryJob is one outbound activity waiting for a worker.
type DeliveryJob struct {
	Activity      any
	Inbox         string
	KeyId         string
	PrivateKeyPem string
}

// DeliveryFailure is reported on the queue's failure channel.
type DeliveryFailure struct {
	Job DeliveryJob
	Err error
}

// DeliveryQueue runs outbound deliveries on a fixed set of workers, decoupled
// from the inbound request that produced them. It is in-memory only: jobs still
// queued at shutdown are dropped.
type DeliveryQueue struct {
	deliverer ActivityDeliverer
	timeout   time.Duration
	jobs      chan DeliveryJob
	failures  chan DeliveryFailure
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	cancel    context.CancelFunc
	ctx       context.Context
	logger    *log.Logger
}

// NewDeliveryQueue starts workers goroutines draining a buffer of size jobs.
func NewDeliveryQueue(deliverer ActivityDeliverer, workers, size int, timeout time.Duration, logger *log.Logger) *DeliveryQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &DeliveryQueue{
		deliverer: deliverer,
		timeout:   timeout,
		jobs:      make(chan DeliveryJob, size),
		failures:  make(chan DeliveryFailure, size),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithPrefix("queue"),
	}

	q.logger.Info("Starting delivery workers", "workers", workers, "buffer", size)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues a job without blocking.
func (q *DeliveryQueue) Submit(job DeliveryJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Failures reports deliveries that failed after all retries. Failures are
// dropped when nobody drains the channel.
func (q *DeliveryQueue) Failures() <-chan DeliveryFailure {
	return q.failures
}

// Shutdown stops accepting jobs and waits for queued ones to finish, or
// abandons them when ctx expires.
func (q *DeliveryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		close(q.failures)
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *DeliveryQueue) work() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(job)
	}
}

func (q *DeliveryQueue) run(job DeliveryJob) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	err := q.deliverer.Deliver(ctx, job.Activity, job.Inbox, job.KeyId, job.PrivateKeyPem)
	if err == nil {
		q.logger.Debug("Delivered", "inbox", job.Inbox)
		return
	}

	q.logger.Warn("Delivery failed", "inbox", job.Inbox, "err", err)
	select {
	case q.failures <- DeliveryFailure{Job: job, Err: err}:
	default:
		q.logger.Error("Failure channel full, dropping report", "inbox", job.Inbox)
	}
}
