package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const extractionSystemPrompt = CustomInstructions + `

Split the user's text into short, self-contained facts worth remembering.
Answer with a JSON array of strings and nothing else. Keep code snippets verbatim.`

// Extractor turns free text into memorable facts with a chat model.
type Extractor struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *slog.Logger
}

// NewExtractor compiles the prompt -> model chain around chatModel.
func NewExtractor(ctx context.Context, chatModel model.BaseChatModel, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{text}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile extraction chain: %w", err)
	}

	return &Extractor{chain: runnable, logger: logger}, nil
}

// Extract returns the facts found in text. Any model or parse failure falls
// back to the text itself, so the caller always has something to store.
func (e *Extractor) Extract(ctx context.Context, text string) []string {
	resp, err := e.chain.Invoke(ctx, map[string]any{
		"system": extractionSystemPrompt,
		"text":   text,
	})
	if err != nil {
		e.logger.Warn("fact extraction failed, storing raw text", "error", err)
		return []string{text}
	}

	facts, err := parseFacts(resp.Content)
	if err != nil || len(facts) == 0 {
		e.logger.Warn("fact extraction returned no usable facts, storing raw text", "error", err)
		return []string{text}
	}
	return facts
}

// parseFacts reads the first JSON array of strings in content. Models often
// wrap it in prose or a code fence.
func parseFacts(content string) ([]string, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in model output")
	}

	var raw []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}

	facts := make([]string, 0, len(raw))
	for _, fact := range raw {
		if fact = strings.TrimSpace(fact); fact != "" {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}
