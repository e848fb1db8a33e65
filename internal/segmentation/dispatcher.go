package segmentation

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
)

type DispatcherOptions struct {
	QueueSize int
	Timeout   time.Duration
}

func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{QueueSize: 8, Timeout: 120 * time.Second}
}

func (o DispatcherOptions) Validate() error {
	if o.QueueSize <= 0 {
		return fmt.Errorf("%w: segmentation queue size must be positive", model.ErrConfiguration)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: segmentation timeout must be positive", model.ErrConfiguration)
	}
	return nil
}

type job struct {
	ctx    context.Context
	img    image.Image
	prompt Prompt
	done   chan result
}

type result struct {
	mask *Mask
	err  error
}

// Dispatcher runs segmentation calls one at a time on a single worker.
// Callers queue behind each other; the queue is bounded.
type Dispatcher struct {
	seg     Segmenter
	opts    DispatcherOptions
	queue   chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

func NewDispatcher(seg Segmenter, opts DispatcherOptions, log zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	d := &Dispatcher{
		seg:     seg,
		opts:    opts,
		queue:   make(chan job, opts.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "segmentation").Logger(),
	}
	go d.run()
	return d
}

// Submit queues a call and waits for its mask. It returns early when ctx
// ends; a job whose caller has gone is skipped by the worker.
func (d *Dispatcher) Submit(ctx context.Context, img image.Image, prompt Prompt) (*Mask, error) {
	closed := fmt.Errorf("%w: dispatcher closed", model.ErrInference)
	select {
	case <-d.quit:
		return nil, closed
	default:
	}
	j := job{ctx: ctx, img: img, prompt: prompt, done: make(chan result, 1)}
	select {
	case d.queue <- j:
	case <-ctx.Done():
		return nil, asInference(ctx.Err())
	case <-d.quit:
		return nil, closed
	}
	select {
	case r := <-j.done:
		return r.mask, r.err
	case <-ctx.Done():
		return nil, asInference(ctx.Err())
	case <-d.stopped:
		select {
		case r := <-j.done:
			return r.mask, r.err
		default:
			return nil, closed
		}
	}
}

// Close stops the worker after the call in progress. Queued jobs fail.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.quit:
			d.drain()
			return
		case j := <-d.queue:
			d.handle(j)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			j.done <- result{err: fmt.Errorf("%w: dispatcher closed", model.ErrInference)}
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(j job) {
	if err := j.ctx.Err(); err != nil {
		metrics.InferenceCalls.WithLabelValues("skipped").Inc()
		j.done <- result{err: asInference(err)}
		return
	}
	ctx, cancel := context.WithTimeout(j.ctx, d.opts.Timeout)
	defer cancel()

	started := time.Now()
	mask, err := d.seg.Segment(ctx, j.img, j.prompt)
	elapsed := time.Since(started)
	metrics.InferenceDuration.Observe(elapsed.Seconds())

	if err != nil {
		status := "error"
		if ctx.Err() == context.DeadlineExceeded {
			status = "timeout"
			err = fmt.Errorf("%w: segmentation timed out after %s", model.ErrInference, d.opts.Timeout)
		}
		metrics.InferenceCalls.WithLabelValues(status).Inc()
		d.log.Error().Err(err).Dur("elapsed", elapsed).Bool("prompted", !j.prompt.Empty()).Msg("segmentation failed")
		j.done <- result{err: asInference(err)}
		return
	}
	metrics.InferenceCalls.WithLabelValues("ok").Inc()
	d.log.Debug().Dur("elapsed", elapsed).Int("segments", len(mask.Segments())).Msg("segmentation done")
	j.done <- result{mask: mask}
}
