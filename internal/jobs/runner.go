// Package jobs runs slicing work off the request path on a fixed pool of
// workers, retrying infrastructure failures with exponential backoff.
package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Trigger when the queue has no free slot.
var ErrQueueFull = errors.New("job queue is full")

// Job asks for an order to be sliced. Resume marks a manual retry of an
// order that is already in SLICING.
type Job struct {
	OrderID string
	Resume  bool
}

// Handler executes one job attempt.
type Handler func(ctx context.Context, job Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	Workers    int
	QueueSize  int
	MaxRetries uint64
	Backoff    time.Duration
	// DrainTimeout bounds how long Run waits for in-flight jobs after its
	// context is cancelled. Jobs still running then see their context
	// cancelled.
	DrainTimeout time.Duration
}

type Runner struct {
	log     logrus.FieldLogger
	handler Handler
	queue   chan Job
	opts    Options
}

func NewRunner(log logrus.FieldLogger, handler Handler, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Runner{
		log:     log,
		handler: handler,
		queue:   make(chan Job, opts.QueueSize),
		opts:    opts,
	}
}

// Trigger enqueues a job without blocking.
func (r *Runner) Trigger(orderID string, resume bool) error {
	select {
	case r.queue <- Job{OrderID: orderID, Resume: resume}:
		r.log.WithFields(logrus.Fields{"order_id": orderID, "resume": resume}).Debug("slicing job queued")
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "order %s", orderID)
	}
}

// Run starts the workers and blocks until ctx is cancelled. Cancelling ctx
// stops workers from taking new jobs; jobs already running keep a context of
// their own until they finish or DrainTimeout passes.
func (r *Runner) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var g errgroup.Group
	for i := 0; i < r.opts.Workers; i++ {
		g.Go(func() error {
			r.work(ctx, jobCtx)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		timer := time.NewTimer(r.opts.DrainTimeout)
		select {
		case err = <-done:
		case <-timer.C:
			r.log.WithField("drain_timeout", r.opts.DrainTimeout.String()).Warn("in-flight slicing jobs did not finish; cancelling them")
			cancelJobs()
			err = <-done
		}
		timer.Stop()
	}

	if n := len(r.queue); n > 0 {
		r.log.WithField("pending", n).Warn("job runner stopped with queued jobs")
	}
	return err
}

func (r *Runner) work(stop, jobCtx context.Context) {
	for {
		select {
		case <-stop.Done():
			return
		case job := <-r.queue:
			if stop.Err() != nil {
				// Leave it for the next process; startup resumes PAID and SLICING orders.
				r.requeue(job)
				return
			}
			_ = r.Execute(jobCtx, job)
		}
	}
}

func (r *Runner) requeue(job Job) {
	select {
	case r.queue <- job:
	default:
	}
}

// Execute runs one job to completion, retrying failures that are not
// permanent.
func (r *Runner) Execute(ctx context.Context, job Job) error {
	log := r.log.WithFields(logrus.Fields{"order_id": job.OrderID, "resume": job.Resume})
	started := time.Now()
	attempt := 0

	backoff := retry.WithMaxRetries(r.opts.MaxRetries, retry.NewExponential(r.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := r.handler(ctx, job)
		if err == nil || IsPermanent(err) {
			return err
		}
		log.WithField("attempt", attempt).WithError(err).Warn("slicing job attempt failed")
		return retry.RetryableError(err)
	})

	log = log.WithFields(logrus.Fields{"attempts": attempt, "elapsed": time.Since(started).String()})
	switch {
	case err == nil:
		log.Info("slicing job finished")
	case IsPermanent(err):
		log.WithError(err).Info("slicing job dropped")
	default:
		log.WithError(err).Error("slicing job gave up; order may be left in SLICING until an admin retries it")
	}
	return err
}
