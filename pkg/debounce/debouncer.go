package debounce

import (
	"context"
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single trailing call of fn.
// fn runs on the debouncer's own goroutine, never concurrently with itself.
type Debouncer struct {
	delay time.Duration
	fn    func(ctx context.Context) error

	mu      sync.Mutex
	pending bool
	timer   *time.Timer

	fireChan  chan struct{}
	flushChan chan chan error
	stopChan  chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once

	onError func(error)
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithErrorHandler sets a callback for errors returned by fn.
func WithErrorHandler(h func(error)) Option {
	return func(d *Debouncer) {
		d.onError = h
	}
}

// New creates a debouncer that calls fn once delay has passed without a new
// Trigger.
func New(delay time.Duration, fn func(ctx context.Context) error, opts ...Option) *Debouncer {
	d := &Debouncer{
		delay:     delay,
		fn:        fn,
		fireChan:  make(chan struct{}, 1),
		flushChan: make(chan chan error),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.run()

	return d
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		select {
		case d.fireChan <- struct{}{}:
		default:
		}
	})
}

// Pending reports whether a call is scheduled but has not run yet.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush runs fn immediately if a call is pending and waits for it.
func (d *Debouncer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case d.flushChan <- reply:
	case <-d.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes any pending call and stops the goroutine.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.doneChan
}

func (d *Debouncer) run() {
	defer close(d.doneChan)

	for {
		select {
		case <-d.fireChan:
			d.report(d.fire())
		case reply := <-d.flushChan:
			reply <- d.fire()
		case <-d.stopChan:
			// Final flush on stop
			d.report(d.fire())
			return
		}
	}
}

func (d *Debouncer) fire() error {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return nil
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	return d.fn(context.Background())
}

func (d *Debouncer) report(err error) {
	if err != nil && d.onError != nil {
		d.onError(err)
	}
}
