package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	chromem "github.com/philippgille/chromem-go"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/backend/embedder/onnx"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
)

// Provider names the runtime that embeds text and, optionally, extracts facts.
type Provider string

const (
	ProviderONNX   Provider = "onnx"
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

type providerStack struct {
	name  Provider
	embed chromem.EmbeddingFunc
	llm   model.BaseChatModel
	close func() error
}

// New builds the Client cfg describes: the hosted API when a Mem0 key is
// set, an embedded vector store otherwise.
func New(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Remote() {
		return NewRemoteClient(ctx, cfg.Mem0, logger)
	}

	stack, err := selectProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("using local memory store", "provider", stack.name, "path", cfg.Store.Path, "collection", cfg.Store.Collection)

	var extractor *Extractor
	if stack.llm != nil {
		if extractor, err = NewExtractor(ctx, stack.llm, logger); err != nil {
			return nil, err
		}
	}

	return NewLocalClient(cfg.Store, stack.embed, extractor, stack.close, logger)
}

// selectProvider picks, in order: a local ONNX model, an Ollama server,
// then OpenAI embeddings with the Ark chat model when configured.
func selectProvider(ctx context.Context, cfg config.BackendConfig) (providerStack, error) {
	switch {
	case cfg.LocalModel.ModelPath != "":
		emb, err := onnx.New(onnx.Config{
			ModelPath:     cfg.LocalModel.ModelPath,
			TokenizerPath: cfg.LocalModel.TokenizerPath,
			RuntimeLib:    cfg.LocalModel.RuntimeLib,
		})
		if err != nil {
			return providerStack{}, fmt.Errorf("onnx embedder: %w", err)
		}
		return providerStack{name: ProviderONNX, embed: emb.Embed, close: emb.Close}, nil

	case cfg.Ollama.Host != "":
		llm, err := cfg.Ollama.NewChatModel(ctx)
		if err != nil {
			return providerStack{}, fmt.Errorf("ollama chat model: %w", err)
		}
		baseURL := strings.TrimRight(cfg.Ollama.Host, "/") + "/api"
		return providerStack{
			name:  ProviderOllama,
			embed: chromem.NewEmbeddingFuncOllama(cfg.Ollama.EmbeddingModel, baseURL),
			llm:   llm,
		}, nil

	default:
		if cfg.OpenAI.APIKey == "" {
			return providerStack{}, fmt.Errorf("no embedding provider: set MEM0_API_KEY, LOCAL_MODEL_PATH, OLLAMA_HOST or OPENAI_API_KEY")
		}
		stack := providerStack{
			name:  ProviderOpenAI,
			embed: chromem.NewEmbeddingFuncOpenAI(cfg.OpenAI.APIKey, chromem.EmbeddingModelOpenAI(cfg.OpenAI.EmbeddingModel)),
		}
		if cfg.AI.Enabled() {
			llm, err := cfg.AI.NewChatModel(ctx)
			if err != nil {
				return providerStack{}, fmt.Errorf("ark chat model: %w", err)
			}
			stack.llm = llm
		}
		return stack, nil
	}
}
