package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// AsyncRecorder decouples audit writes from the request path. Records are
// queued onto a buffered channel and written by a background worker; a
// write failure is logged but never surfaces to the caller, so a broken
// sink cannot change a verdict.
type AsyncRecorder struct {
	sink   Recorder
	queue  chan Record
	logger *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAsyncRecorder wraps sink with a queue of the given size. A queueSize
// of zero falls back to 1024.
func NewAsyncRecorder(sink Recorder, queueSize int, log *logger.Logger) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &AsyncRecorder{
		sink:   sink,
		queue:  make(chan Record, queueSize),
		logger: log,
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *AsyncRecorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case record := <-r.queue:
			r.write(record)
		case <-r.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case record := <-r.queue:
					r.write(record)
				default:
					return
				}
			}
		}
	}
}

func (r *AsyncRecorder) write(record Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.Record(ctx, record); err != nil {
		r.logger.Error("Audit record write failed",
			zap.String("request_id", record.RequestID),
			zap.String("verdict", string(record.Verdict)),
			zap.Error(err),
		)
	}
}

// Record enqueues the record. If the queue is full the write is attempted
// synchronously instead of being dropped, so every handled request gets
// exactly one recording attempt.
func (r *AsyncRecorder) Record(_ context.Context, record Record) error {
	select {
	case r.queue <- record:
	default:
		r.logger.Warn("Audit queue full, writing synchronously",
			zap.String("request_id", record.RequestID))
		r.write(record)
	}
	return nil
}

// Close stops the worker, drains the queue, and closes the sink.
func (r *AsyncRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.sink.Close()
	})
	return err
}

var _ Recorder = (*AsyncRecorder)(nil)
