package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	unkToken = "[UNK]"
)

// Tokenizer is a lower-casing WordPiece tokenizer driven by a HuggingFace
// tokenizer.json vocabulary.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads the vocabulary from a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}
	return NewTokenizer(file.Model.Vocab)
}

// NewTokenizer builds a Tokenizer from a vocabulary that holds the BERT
// special tokens.
func NewTokenizer(vocab map[string]int64) (*Tokenizer, error) {
	t := &Tokenizer{vocab: vocab}
	for name, dst := range map[string]*int64{clsToken: &t.cls, sepToken: &t.sep, unkToken: &t.unk} {
		id, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocabulary has no %s token", name)
		}
		*dst = id
	}
	return t, nil
}

// Encode returns input ids and the attention mask for text, framed by
// [CLS] and [SEP] and padded to maxLen.
func (t *Tokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	tokens := t.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	ids[0], mask[0] = t.cls, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	return ids, mask
}

func (t *Tokenizer) tokenize(text string) []int64 {
	var out []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

// wordPiece splits word greedily into the longest known prefixes, marking
// continuations with "##". A word with an unknown piece becomes [UNK].
func (t *Tokenizer) wordPiece(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	runes := []rune(word)
	var pieces []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var (
			id    int64
			found bool
		)
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, found = t.vocab[piece]; found {
				break
			}
		}
		if !found {
			return []int64{t.unk}
		}
		pieces = append(pieces, id)
		start = end
	}
	return pieces
}

// splitWords separates on whitespace and isolates punctuation, as BERT's
// basic tokenizer does.
func splitWords(text string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
