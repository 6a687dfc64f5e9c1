// Package memory implements the memory tools: each one resolves the calling
// identity, consults the result cache where that is safe, and talks to the
// backend registry.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/analysis/category"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/backend"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/cache"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/observability"
	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
)

const (
	DefaultSearchLimit = 5
	BatchSizeLimit     = 10

	deleteSearchLimit = 100
)

var (
	ErrValidation  = errors.New("invalid input")
	ErrUnsupported = errors.New("unsupported operation")
)

// ClientSource hands out the current backend client. The client stays open
// until release is called, even if the configuration changes meanwhile.
type ClientSource interface {
	Acquire(ctx context.Context) (client backend.Client, release func(), err error)
}

// Service runs the memory tools.
type Service struct {
	clients   ClientSource
	cache     *cache.Cache
	telemetry *observability.Instruments
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithInstruments records tool calls with ins instead of instruments from
// the global OpenTelemetry providers.
func WithInstruments(ins *observability.Instruments) Option {
	return func(s *Service) {
		s.telemetry = ins
	}
}

// NewService wires the tools to a backend source and a result cache. A nil
// cache gets a default one.
func NewService(clients ClientSource, results *cache.Cache, logger *slog.Logger, opts ...Option) (*Service, error) {
	if results == nil {
		results = cache.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		clients: clients,
		cache:   results,
		logger:  logger.With("component", "memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.telemetry == nil {
		ins, err := observability.New(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("create tool telemetry: %w", err)
		}
		s.telemetry = ins
	}
	return s, nil
}

// Render turns an operation outcome into the text sent to the client.
func Render(result string, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}
	return result
}

// AddMemory stores text for the current user, tagged with the
// comma-separated tags.
func (s *Service) AddMemory(ctx context.Context, text, tags string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: text is required", ErrValidation)
	}
	id := session.FromContext(ctx)

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	tagList := ParseTags(tags)
	var metadata map[string]any
	if len(tagList) > 0 {
		metadata = map[string]any{"tags": tagList}
	}

	if err := client.Add(ctx, text, id.UserID, metadata); err != nil {
		return "", fmt.Errorf("adding memory: %w", err)
	}
	s.cache.PurgeUser(id.UserID)

	tagInfo := ""
	if len(tagList) > 0 {
		tagInfo = " with tags: " + strings.Join(tagList, ", ")
	}
	return fmt.Sprintf("Successfully added memory%s: %s", tagInfo, text), nil
}

// GetAllMemories lists every memory of the current user as a JSON array of
// strings. It is never cached.
func (s *Service) GetAllMemories(ctx context.Context) (string, error) {
	id := session.FromContext(ctx)

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	records, err := client.GetAll(ctx, id.UserID)
	if err != nil {
		return "", fmt.Errorf("getting memories: %w", err)
	}
	return encodeJSON(memoryTexts(records))
}

// SearchMemories returns up to limit memories matching query as a JSON
// array of strings. With tags set, only memories carrying at least one of
// them are kept and the cache is bypassed.
func (s *Service) SearchMemories(ctx context.Context, query string, limit int, tags string) (string, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	id := session.FromContext(ctx)
	filter := ParseTags(tags)

	key := cache.Key("search", id.UserID, map[string]any{"query": query, "limit": limit, "tags": tags})
	if len(filter) == 0 {
		if cached, ok := s.cache.Get(key); ok {
			s.logger.Debug("search cache hit", "user_id", id.UserID)
			return cached, nil
		}
	}

	records, err := s.find(ctx, id.UserID, query, filter, limit)
	if err != nil {
		return "", fmt.Errorf("searching memories: %w", err)
	}

	result, err := encodeJSON(memoryTexts(records))
	if err != nil {
		return "", err
	}
	if len(filter) == 0 && ctx.Err() == nil {
		s.cache.Put(key, id.UserID, result)
	}
	return result, nil
}

// DeleteMemories clears the current user's memories when deleteAll is set.
// Deleting a subset by query or tags is not supported by the backends; the
// matches are counted and reported instead.
func (s *Service) DeleteMemories(ctx context.Context, query, tags string, deleteAll bool) (string, error) {
	id := session.FromContext(ctx)

	if deleteAll {
		client, release, err := s.clients.Acquire(ctx)
		if err != nil {
			return "", err
		}
		defer release()
		if err := client.DeleteAll(ctx, id.UserID); err != nil {
			return "", fmt.Errorf("deleting memories: %w", err)
		}
		purged := s.cache.PurgeUser(id.UserID)
		s.logger.Info("deleted all memories", "user_id", id.UserID, "purged_cache_entries", purged)
		return "Successfully deleted all memories", nil
	}

	filter := ParseTags(tags)
	if strings.TrimSpace(query) == "" && len(filter) == 0 {
		return "", fmt.Errorf("%w: must specify either query/tags or delete_all=true", ErrValidation)
	}

	matches, err := s.find(ctx, id.UserID, query, filter, deleteSearchLimit)
	if err != nil {
		return "", fmt.Errorf("finding memories to delete: %w", err)
	}
	if len(matches) == 0 {
		return "No memories found matching the criteria", nil
	}
	return "", fmt.Errorf("%w: found %d memories matching criteria, but selective deletion is not yet supported. Use delete_all=true to delete all memories",
		ErrUnsupported, len(matches))
}

// BatchItem is the outcome for one element of a batch add.
type BatchItem struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Memory string `json:"memory,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult summarizes a batch add.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []BatchItem `json:"results"`
}

// BatchAddMemories adds each string of the JSON array memories on its own.
// One failing element does not stop or undo the others.
func (s *Service) BatchAddMemories(ctx context.Context, memories string) (string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(memories), &items); err != nil || items == nil {
		return "", fmt.Errorf("%w: memories must be a JSON array", ErrValidation)
	}
	if len(items) > BatchSizeLimit {
		return "", fmt.Errorf("%w: batch size limited to %d memories", ErrValidation, BatchSizeLimit)
	}

	id := session.FromContext(ctx)
	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	out := BatchResult{Total: len(items), Results: make([]BatchItem, 0, len(items))}
	for i, raw := range items {
		item := BatchItem{Index: i}

		var text string
		switch {
		case json.Unmarshal(raw, &text) != nil:
			item.Status, item.Error = "failed", "memory must be a string"
		case strings.TrimSpace(text) == "":
			item.Status, item.Error = "failed", "memory text is empty"
		default:
			if err := client.Add(ctx, text, id.UserID, nil); err != nil {
				item.Status, item.Error = "failed", err.Error()
			} else {
				item.Status, item.Memory = "success", text
			}
		}

		if item.Status == "success" {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, item)
	}

	if out.Succeeded > 0 {
		s.cache.PurgeUser(id.UserID)
	}
	s.logger.Info("batch add finished", "user_id", id.UserID, "succeeded", out.Succeeded, "failed", out.Failed)
	return encodeJSON(out)
}

// Stats is the result of GetMemoryStats.
type Stats struct {
	TotalMemories      int            `json:"total_memories"`
	TagDistribution    map[string]int `json:"tag_distribution"`
	Categories         []string       `json:"categories"`
	MostCommonCategory *string        `json:"most_common_category"`
	MetadataTags       map[string]int `json:"metadata_tags"`
}

// GetMemoryStats counts the current user's memories per keyword category
// and per stored tag.
func (s *Service) GetMemoryStats(ctx context.Context) (string, error) {
	id := session.FromContext(ctx)

	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	records, err := client.GetAll(ctx, id.UserID)
	if err != nil {
		return "", fmt.Errorf("getting memory stats: %w", err)
	}

	dist := category.Tally(memoryTexts(records))
	stats := Stats{
		TotalMemories:   len(records),
		TagDistribution: make(map[string]int, len(dist)),
		Categories:      make([]string, 0, len(dist)),
		MetadataTags:    make(map[string]int),
	}
	for _, label := range dist.Labels() {
		stats.TagDistribution[string(label)] = dist[label]
		stats.Categories = append(stats.Categories, string(label))
	}
	if best, ok := dist.MostCommon(); ok {
		name := string(best)
		stats.MostCommonCategory = &name
	}
	for _, rec := range records {
		for _, tag := range rec.Tags() {
			stats.MetadataTags[tag]++
		}
	}
	return encodeJSON(stats)
}

// find searches (or, for an empty query, lists) the user's memories, keeps
// those matching any tag in filter, and truncates to limit.
func (s *Service) find(ctx context.Context, userID, query string, filter []string, limit int) ([]backend.Record, error) {
	client, release, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var records []backend.Record
	if strings.TrimSpace(query) == "" {
		records, err = client.GetAll(ctx, userID)
	} else {
		records, err = client.Search(ctx, query, userID)
	}
	if err != nil {
		return nil, err
	}

	if len(filter) > 0 {
		kept := records[:0:0]
		for _, rec := range records {
			if hasAnyTag(rec, filter) {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ParseTags splits a comma-separated tag list, dropping blanks.
func ParseTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func hasAnyTag(rec backend.Record, filter []string) bool {
	for _, have := range rec.Tags() {
		for _, want := range filter {
			if have == want {
				return true
			}
		}
	}
	return false
}

func memoryTexts(records []backend.Record) []string {
	texts := make([]string, 0, len(records))
	for _, rec := range records {
		texts = append(texts, rec.Memory)
	}
	return texts
}

func encodeJSON(v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
