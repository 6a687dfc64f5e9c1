//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var initOnce sync.Once
var initErr error

// Embedder runs a sentence-embedding model with mean pooling.
type Embedder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
}

// New loads the tokenizer and opens an inference session for cfg.ModelPath.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("LOCAL_MODEL_PATH is not set")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("LOCAL_TOKENIZER_PATH is not set")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}

	initOnce.Do(func() {
		if cfg.RuntimeLib != "" {
			ort.SetSharedLibraryPath(cfg.RuntimeLib)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("open onnx session: %w", err)
	}

	return &Embedder{session: session, tokenizer: tokenizer, dimensions: cfg.Dimensions}, nil
}

// Embed returns the unit-length embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask := e.tokenizer.Encode(text, maxSequenceLength)
	typeIDs := make([]int64, maxSequenceLength)
	shape := ort.NewShape(1, maxSequenceLength)

	inputs := make([]ort.Value, 0, 3)
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{ids, mask, typeIDs} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("build input tensor: %w", err)
		}
		inputs = append(inputs, tensor)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	data := hidden.GetData()
	switch dims := hidden.GetShape(); len(dims) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("pooled output has %d values, want %d", len(data), e.dimensions)
		}
		return normalize(append([]float32(nil), data[:e.dimensions]...)), nil
	case 3:
		if dims[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("hidden size %d, want %d", dims[2], e.dimensions)
		}
		return normalize(meanPool(data, mask, e.dimensions)), nil
	default:
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
}

// Close releases the inference session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}
