// Package onnx embeds text with a BERT-style sentence model run through ONNX
// Runtime. The runtime is only linked in builds with the "onnx" tag.
package onnx

import (
	"errors"
	"math"
)

const (
	DefaultDimensions = 384
	maxSequenceLength = 128
)

// ErrNotBuilt is returned by New in binaries built without the "onnx" tag.
var ErrNotBuilt = errors.New("onnx embedder not compiled in: rebuild with -tags onnx")

// Config locates the model files.
type Config struct {
	ModelPath     string
	TokenizerPath string
	// RuntimeLib is the onnxruntime shared library; empty uses the loader's
	// search path.
	RuntimeLib string
	Dimensions int
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// meanPool averages hidden states over attended positions. hidden is laid
// out as [seqLen][width].
func meanPool(hidden []float32, mask []int64, width int) []float32 {
	out := make([]float32, width)
	var attended float32
	for pos, m := range mask {
		if m == 0 {
			continue
		}
		attended++
		row := hidden[pos*width : (pos+1)*width]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return out
	}
	for j := range out {
		out[j] /= attended
	}
	return out
}
