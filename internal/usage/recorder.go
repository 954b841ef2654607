// Package usage records one usage row per proxied request and aggregates the
// rows into summaries and timeseries.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/faucetdb/sluice/internal/model"
)

// Writer persists usage records.
type Writer interface {
	InsertUsage(ctx context.Context, rec *model.UsageRecord) error
}

// RecorderOptions tune the recorder.
type RecorderOptions struct {
	// QueueSize is the buffered queue length. Zero uses 1024.
	QueueSize int
	// MaxTries bounds write attempts per record. Zero uses 3.
	MaxTries uint
	// InitialBackoff is the first retry delay. Zero uses 50ms.
	InitialBackoff time.Duration
}

type job struct {
	rec   *model.UsageRecord
	flush chan struct{}
}

// Recorder writes usage records on a background worker. When the queue is
// full the record is written on the caller's goroutine instead of dropped.
type Recorder struct {
	w      Writer
	logger *slog.Logger
	opts   RecorderOptions

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// NewRecorder starts a recorder writing to w.
func NewRecorder(w Writer, logger *slog.Logger, opts RecorderOptions) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	r := &Recorder{
		w:      w,
		logger: logger,
		opts:   opts,
		queue:  make(chan job, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		if j.flush != nil {
			close(j.flush)
			continue
		}
		r.write(j.rec)
	}
}

// Record enqueues rec for writing.
func (r *Recorder) Record(rec model.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- job{rec: &rec}:
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.write(&rec)
}

func (r *Recorder) write(rec *model.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.opts.InitialBackoff
	expBackoff.MaxInterval = 20 * r.opts.InitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.w.InsertUsage(ctx, rec)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(r.opts.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Debug("retrying usage write", "error", err, "after", d)
		}),
	)
	if err != nil {
		r.logger.Error("dropping usage record after retries",
			"connector_id", rec.ConnectorID, "status", rec.StatusCode, "error", err)
	}
}

// Flush waits until every record enqueued before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	ch := make(chan struct{})

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- job{flush: ch}:
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. Records passed to Record
// after Close are written synchronously.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
