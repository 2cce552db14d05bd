package audit

import "context"

// MultiRecorder fans one record out to several sinks. Each sink gets its
// own attempt; the first error is returned after all sinks have been
// tried.
type MultiRecorder struct {
	sinks []Recorder
}

// NewMultiRecorder wraps the given sinks.
func NewMultiRecorder(sinks ...Recorder) *MultiRecorder {
	return &MultiRecorder{sinks: sinks}
}

// Record writes the record to every sink.
func (m *MultiRecorder) Record(ctx context.Context, record Record) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink.
func (m *MultiRecorder) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Recorder = (*MultiRecorder)(nil)
