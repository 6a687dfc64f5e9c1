//go:build !onnx

package onnx

import "context"

// Embedder is unavailable without the "onnx" build tag.
type Embedder struct{}

// New always fails with ErrNotBuilt.
func New(Config) (*Embedder, error) {
	return nil, ErrNotBuilt
}

func (e *Embedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrNotBuilt
}

func (e *Embedder) Close() error {
	return nil
}
