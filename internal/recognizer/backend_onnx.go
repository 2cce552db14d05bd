//go:build onnx
// +build onnx

package recognizer

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// OnnxBackend implements NERBackend using ONNX Runtime with a BIO
// token-classification model. Requires build tag 'onnx'.
type OnnxBackend struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
	logger    *zap.Logger
	ready     bool
	mu        sync.RWMutex
}

// NewNERBackend initializes the ONNX Runtime backend. Any failure returns
// nil; the engine then reports ErrEngineUnavailable for the process lifetime.
func NewNERBackend(logger *zap.Logger, modelPath, vocabPath string) NERBackend {
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		logger.Error("ONNX Runtime environment init failed", zap.Error(err))
		return nil
	}

	tokenizer, err := newWordPieceTokenizer(vocabPath)
	if err != nil {
		logger.Error("Tokenizer init failed", zap.Error(err), zap.String("vocab", vocabPath))
		return nil
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		logger.Error("Failed to inspect ONNX model IO", zap.Error(err), zap.String("model", modelPath))
		return nil
	}
	if len(outputsInfo) == 0 {
		logger.Error("ONNX model reports no outputs", zap.String("model", modelPath))
		return nil
	}

	inputNames := make([]string, 0, 2)
	for _, info := range inputsInfo {
		name := strings.ToLower(info.Name)
		if name == "input_ids" || name == "attention_mask" {
			inputNames = append(inputNames, info.Name)
		}
	}
	if len(inputNames) != 2 {
		logger.Error("ONNX model missing input_ids/attention_mask inputs", zap.String("model", modelPath))
		return nil
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputsInfo[0].Name}, nil)
	if err != nil {
		logger.Error("ONNX Runtime session creation failed", zap.Error(err), zap.String("model", modelPath))
		return nil
	}

	logger.Info("ONNX NER backend ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputsInfo[0].Name))

	return &OnnxBackend{session: sess, tokenizer: tokenizer, logger: logger, ready: true}
}

// IsReady reports whether the backend is initialized.
func (b *OnnxBackend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.session != nil
}

// Close releases session and environment resources.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	ort.DestroyEnvironment()
	b.ready = false
	return nil
}

// Recognize runs token classification over the text and decodes BIO labels
// into entity spans.
func (b *OnnxBackend) Recognize(ctx context.Context, text string) ([]detect.Finding, error) {
	if !b.IsReady() {
		return nil, ErrEngineUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := b.tokenizer.Tokenize(text)
	seqLen := len(tokens.InputIDs)

	shape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewTensor[int64](shape, tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor[int64](shape, tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := b.session.Run([]ort.Value{idsTensor, maskTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	outShape := logits.GetShape()
	if len(outShape) != 3 || int(outShape[2]) != labelCount {
		return nil, fmt.Errorf("unexpected logits shape %v (want [1 %d %d])", outShape, seqLen, labelCount)
	}

	return decodeEntities(text, tokens, logits.GetData()), nil
}

// decodeEntities converts per-token logits into merged entity spans. A span
// opens at a begin-label and extends through inside-labels of the same
// entity; its confidence is the mean softmax probability of its tokens.
func decodeEntities(text string, tokens *tokenizedInput, logits []float32) []detect.Finding {
	var findings []detect.Finding

	var current *detect.Finding
	var probSum float64
	var probCount int

	flush := func() {
		if current != nil {
			current.Confidence = probSum / float64(probCount)
			current.ValueExcerpt = excerptOf(text, current.Span)
			findings = append(findings, *current)
			current = nil
		}
	}

	for i := range tokens.InputIDs {
		if tokens.AttentionMask[i] == 0 {
			break
		}
		offset := tokens.Offsets[i]
		if offset[0] == 0 && offset[1] == 0 {
			// special token
			continue
		}

		label, prob := argmaxSoftmax(logits[i*labelCount : (i+1)*labelCount])
		entity, isEntity := entityForLabel(label)
		if !isEntity {
			flush()
			continue
		}

		begin := label == labelBeginPerson || label == labelBeginLocation
		if current != nil && !begin && current.EntityType == entity {
			current.Span.End = offset[1]
			probSum += prob
			probCount++
			continue
		}

		flush()
		current = &detect.Finding{
			EntityType: entity,
			Span:       detect.Span{Start: offset[0], End: offset[1]},
			Source:     detect.SourceModel,
			Severity:   detect.SeverityPII,
		}
		probSum = prob
		probCount = 1
	}
	flush()

	return findings
}

func argmaxSoftmax(logits []float32) (int, float64) {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}

	var denom float64
	for _, v := range logits {
		denom += math.Exp(float64(v - maxVal))
	}
	return maxIdx, 1.0 / denom
}

func excerptOf(text string, span detect.Span) string {
	match := text[span.Start:span.End]
	if len(match) > 20 {
		return match[:20] + "..."
	}
	return match
}
