//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/arbiter/pkg/utils"
)

// bertInputs are the model inputs in the order Tokenizer returns them.
var bertInputs = []string{"input_ids", "attention_mask", "token_type_ids"}

// ONNXEmbedder runs a BERT-style sentence model through ONNX Runtime. It needs CGO and
// the onnxruntime shared library. One session is reused, so calls are serialized.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	inputs     []*ort.Tensor[int64]
	output     *ort.Tensor[float32]
	tokenizer  Tokenizer
	dimensions int
	maxTokens  int
}

// NewONNXEmbedder opens the model at modelPath, initializing the runtime on first use.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if modelPath == "" {
		return nil, errors.New("onnx embedder needs a model_path")
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	e := &ONNXEmbedder{tokenizer: &SimpleTokenizer{}, dimensions: dimensions, maxTokens: maxTokens}
	if err := e.open(modelPath); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *ONNXEmbedder) open(modelPath string) error {
	shape := ort.NewShape(1, int64(e.maxTokens))
	bound := make([]ort.ArbitraryTensor, 0, len(bertInputs))
	for _, name := range bertInputs {
		t, err := ort.NewEmptyTensor[int64](shape)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", name, err)
		}
		e.inputs = append(e.inputs, t)
		bound = append(bound, t)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.dimensions)))
	if err != nil {
		return fmt.Errorf("allocate output: %w", err)
	}
	e.output = out
	e.session, err = ort.NewAdvancedSession(modelPath, bertInputs, []string{"output"},
		bound, []ort.ArbitraryTensor{out}, nil)
	if err != nil {
		return fmt.Errorf("open onnx model %s: %w", modelPath, err)
	}
	return nil
}

// Embed returns the unit-length embedding of text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask, types := e.tokenizer.Tokenize(text, e.maxTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, tokens := range [][]int64{ids, mask, types} {
		copy(e.inputs[i].GetData(), tokens)
	}
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	vec := append([]float32(nil), e.output.GetData()...)
	utils.NormalizeL2(vec)
	return vec, nil
}

func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session and its tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	for _, t := range e.inputs {
		_ = t.Destroy()
	}
	e.inputs = nil
	if e.output != nil {
		_ = e.output.Destroy()
		e.output = nil
	}
	return err
}
