package recognizer

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable indicates the entity recognizer could not serve a
// scan: either the model backend never initialized, or the call failed in a
// way that leaves only pattern coverage for this scan. It is never fatal to
// the process; the pipeline degrades recall instead.
var ErrEngineUnavailable = errors.New("entity recognizer unavailable")

// ErrScanTimeout is the per-call specialization of ErrEngineUnavailable:
// the engine may still serve later scans. errors.Is(ErrScanTimeout,
// ErrEngineUnavailable) holds so callers can treat both identically.
var ErrScanTimeout = fmt.Errorf("recognizer scan timed out: %w", ErrEngineUnavailable)
