//go:build !onnx
// +build !onnx

package recognizer

import (
	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set. Returning
// nil makes engine construction fail and puts the pipeline in degraded mode.
func NewNERBackend(logger *zap.Logger, modelPath, vocabPath string) NERBackend {
	return nil
}
