package recognizer

import (
	"context"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// NERBackend defines a pluggable backend for named-entity inference.
// Implementations may use ONNX Runtime or other engines; the default build
// has no backend and the engine reports ErrEngineUnavailable.
type NERBackend interface {
	// Recognize runs entity recognition over the text and returns findings
	// with MODEL source and per-span confidence.
	Recognize(ctx context.Context, text string) ([]detect.Finding, error)
	// IsReady returns whether the backend is initialized and ready.
	IsReady() bool
	// Close releases any native resources.
	Close() error
}

// Label indices emitted by the token-classification head, BIO scheme.
const (
	labelOutside = iota
	labelBeginPerson
	labelInsidePerson
	labelBeginLocation
	labelInsideLocation
	labelCount
)

// entityForLabel maps a begin-label to the entity type it opens.
func entityForLabel(label int) (detect.EntityType, bool) {
	switch label {
	case labelBeginPerson, labelInsidePerson:
		return detect.EntityPersonName, true
	case labelBeginLocation, labelInsideLocation:
		return detect.EntityLocation, true
	default:
		return "", false
	}
}
