package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Security SecurityConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := LoadBackend()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Backend: backend, Security: loadSecurityConfig()}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	return NewServerConfig(getEnvOrDefault("HOST", "0.0.0.0"), os.Getenv("PORT"))
}

// NewServerConfig 根据 host/port 组合监听地址，port 为空时使用 8080。
func NewServerConfig(host, port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	host = strings.TrimSpace(host)
	if host == "" {
		host = "0.0.0.0"
	}
	return ServerConfig{Addr: net.JoinHostPort(host, port)}, nil
}

// SecurityConfig 描述共享密钥白名单和限流存储。
type SecurityConfig struct {
	APIKeyHeader   string
	AllowedAPIKeys []string
	// JWTSecret 预留给签名的用户令牌，目前没有任何地方校验它。
	JWTSecret         string
	RateLimitRedisURL string
}

func loadSecurityConfig() SecurityConfig {
	return SecurityConfig{
		APIKeyHeader:      getEnvOrDefault("API_KEY_HEADER", "X-API-Key"),
		AllowedAPIKeys:    splitList(os.Getenv("ALLOWED_API_KEYS")),
		JWTSecret:         strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RateLimitRedisURL: strings.TrimSpace(os.Getenv("RATE_LIMIT_REDIS_URL")),
	}
}

// BackendConfig 汇总决定构建哪种记忆后端的全部输入。
// Fingerprint 相同的两个值对应同一个后端。
type BackendConfig struct {
	Mem0       Mem0Config
	Store      StoreConfig
	LocalModel LocalModelConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	AI         AIConfig
}

// Mem0Config 描述 Mem0 云端 API。
type Mem0Config struct {
	APIKey    string
	BaseURL   string
	OrgID     string
	ProjectID string
}

// StoreConfig 描述本地向量库；Path 为空时只保存在内存中。
type StoreConfig struct {
	Path       string
	Collection string
}

// LocalModelConfig 指向磁盘上的 ONNX embedding 模型。
type LocalModelConfig struct {
	ModelPath     string
	TokenizerPath string
	RuntimeLib    string
}

// OllamaConfig 描述 Ollama 模型服务。
type OllamaConfig struct {
	Host           string
	Model          string
	EmbeddingModel string
}

// OpenAIConfig 描述默认的远程 embedding 服务。
type OpenAIConfig struct {
	APIKey         string
	EmbeddingModel string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Remote 表示是否使用托管的 Mem0 API。
func (c BackendConfig) Remote() bool {
	return c.Mem0.APIKey != ""
}

// Fingerprint 对决定后端身份的配置项做哈希。
func (c BackendConfig) Fingerprint() string {
	parts := []string{
		c.Mem0.APIKey, c.Mem0.BaseURL, c.Mem0.OrgID, c.Mem0.ProjectID,
		c.Store.Path, c.Store.Collection,
		c.LocalModel.ModelPath, c.LocalModel.TokenizerPath, c.LocalModel.RuntimeLib,
		c.Ollama.Host, c.Ollama.Model, c.Ollama.EmbeddingModel,
		c.OpenAI.APIKey, c.OpenAI.EmbeddingModel,
		c.AI.APIKey, c.AI.AccessKey, c.AI.SecretKey, c.AI.Model, c.AI.BaseURL, c.AI.Region,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// NewChatModel 通过 Ollama 兼容 OpenAI 的 /v1 接口创建模型。
func (c OllamaConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Host == "" {
		return nil, fmt.Errorf("OLLAMA_HOST is not set")
	}

	temperature := float32(0.1)
	maxTokens := 2000
	cfg := &ark.ChatModelConfig{
		BaseURL:     strings.TrimRight(c.Host, "/") + "/v1",
		APIKey:      "ollama",
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// LoadBackend 读取后端相关配置。开销很小，每次查询注册表都会调用，
// 以便感知配置变化。
func LoadBackend() (BackendConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return BackendConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return BackendConfig{}, err
	}

	return BackendConfig{
		Mem0: Mem0Config{
			APIKey:    strings.TrimSpace(os.Getenv("MEM0_API_KEY")),
			BaseURL:   getEnvOrDefault("MEM0_API_URL", "https://api.mem0.ai"),
			OrgID:     strings.TrimSpace(os.Getenv("MEM0_ORG_ID")),
			ProjectID: strings.TrimSpace(os.Getenv("MEM0_PROJECT_ID")),
		},
		Store: StoreConfig{
			Path:       strings.TrimSpace(os.Getenv("VECTOR_STORE_PATH")),
			Collection: getEnvOrDefault("VECTOR_STORE_COLLECTION", "mem0"),
		},
		LocalModel: LocalModelConfig{
			ModelPath:     strings.TrimSpace(os.Getenv("LOCAL_MODEL_PATH")),
			TokenizerPath: strings.TrimSpace(os.Getenv("LOCAL_TOKENIZER_PATH")),
			RuntimeLib:    strings.TrimSpace(os.Getenv("ONNXRUNTIME_LIB")),
		},
		Ollama: OllamaConfig{
			Host:           strings.TrimSpace(os.Getenv("OLLAMA_HOST")),
			Model:          getEnvOrDefault("OLLAMA_MODEL", "llama3.1:latest"),
			EmbeddingModel: getEnvOrDefault("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			EmbeddingModel: getEnvOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		AI: AIConfig{
			APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
			SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
			Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
			BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
			Temperature: temperature,
			MaxTokens:   maxTokens,
		},
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
