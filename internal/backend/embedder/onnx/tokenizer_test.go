package onnx

import (
	"os"
	"path/filepath"
	"testing"
)

func testVocab() map[string]int64 {
	return map[string]int64{
		"[PAD]": 0, "[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"hello": 7592, "world": 2088, "go": 2175, "##pher": 5000, "!": 999,
	}
}

func TestEncodeFramesAndPads(t *testing.T) {
	tok, err := NewTokenizer(testVocab())
	if err != nil {
		t.Fatalf("NewTokenizer err: %v", err)
	}

	ids, mask := tok.Encode("Hello, World!", 8)

	wantIDs := []int64{101, 7592, 100, 2088, 999, 102, 0, 0}
	wantMask := []int64{1, 1, 1, 1, 1, 1, 0, 0}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] || mask[i] != wantMask[i] {
			t.Fatalf("position %d: got id=%d mask=%d, want id=%d mask=%d", i, ids[i], mask[i], wantIDs[i], wantMask[i])
		}
	}
}

func TestEncodeWordPieceAndTruncation(t *testing.T) {
	tok, err := NewTokenizer(testVocab())
	if err != nil {
		t.Fatalf("NewTokenizer err: %v", err)
	}

	ids, _ := tok.Encode("gopher gopher gopher", 5)

	want := []int64{101, 2175, 5000, 2175, 102}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("position %d: got %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestNewTokenizerRequiresSpecialTokens(t *testing.T) {
	if _, err := NewTokenizer(map[string]int64{"hello": 1}); err == nil {
		t.Fatal("expected error for vocabulary without special tokens")
	}
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	body := `{"model":{"vocab":{"[UNK]":100,"[CLS]":101,"[SEP]":102,"go":2175}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}

	tok, err := LoadTokenizer(path)
	if err != nil {
		t.Fatalf("LoadTokenizer err: %v", err)
	}
	ids, _ := tok.Encode("go", 4)
	if ids[1] != 2175 {
		t.Fatalf("unexpected id: %d", ids[1])
	}
}

func TestMeanPoolAndNormalize(t *testing.T) {
	hidden := []float32{
		1, 3,
		3, 5,
		100, 100,
	}
	pooled := meanPool(hidden, []int64{1, 1, 0}, 2)
	if pooled[0] != 2 || pooled[1] != 4 {
		t.Fatalf("unexpected pooled vector: %v", pooled)
	}

	unit := normalize([]float32{3, 4})
	if unit[0] != 0.6 || unit[1] != 0.8 {
		t.Fatalf("unexpected unit vector: %v", unit)
	}
}
