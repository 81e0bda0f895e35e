package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultSendTimeout bounds a single Send call.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every sink in the background. A failing or slow
// sink never blocks the caller; errors are logged and dropped.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewRecorder(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), log: log, timeout: timeout}
}

// Len reports the number of configured sinks.
func (r *Recorder) Len() int { return len(r.sinks) }

// Emit queues e for every sink. It is a no-op after Close.
func (r *Recorder) Emit(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "event", e.Type, "error", err)
			}
		}(s)
	}
}

// Close waits for in-flight sends and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
