package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
)

const (
	localSearchResults = 100
	queryAttempts      = 3

	metaUserID    = "user_id"
	metaCreatedAt = "created_at"
)

// LocalClient keeps memories in an embedded chromem-go collection. Every
// document carries its owner in metadata and queries filter on it.
type LocalClient struct {
	db        *chromem.DB
	col       *chromem.Collection
	embed     chromem.EmbeddingFunc
	extractor *Extractor
	closeFn   func() error
	logger    *slog.Logger
	now       func() time.Time
}

// NewLocalClient opens the collection named in store, on disk when
// store.Path is set and in memory otherwise. extractor may be nil, in which
// case added text is stored as-is. closeFn, if set, runs on Close.
func NewLocalClient(store config.StoreConfig, embed chromem.EmbeddingFunc, extractor *Extractor, closeFn func() error, logger *slog.Logger) (*LocalClient, error) {
	if embed == nil {
		return nil, fmt.Errorf("local backend needs an embedding function")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db := chromem.NewDB()
	if store.Path != "" {
		var err error
		if db, err = chromem.NewPersistentDB(store.Path, false); err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", store.Path, err)
		}
	}

	name := store.Collection
	if name == "" {
		name = "mem0"
	}
	col, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}

	return &LocalClient{
		db:        db,
		col:       col,
		embed:     embed,
		extractor: extractor,
		closeFn:   closeFn,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (c *LocalClient) Mode() Mode {
	return ModeLocal
}

// Add stores text for userID, split into facts when an extractor is set.
func (c *LocalClient) Add(ctx context.Context, text, userID string, metadata map[string]any) error {
	facts := []string{text}
	if c.extractor != nil {
		facts = c.extractor.Extract(ctx, text)
	}

	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	meta[metaUserID] = userID
	meta[metaCreatedAt] = c.now().UTC().Format(time.RFC3339Nano)

	docs := make([]chromem.Document, 0, len(facts))
	for _, fact := range facts {
		docMeta := make(map[string]string, len(meta))
		for k, v := range meta {
			docMeta[k] = v
		}
		docs = append(docs, chromem.Document{
			ID:       uuid.NewString(),
			Content:  fact,
			Metadata: docMeta,
		})
	}

	if err := c.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	c.logger.Debug("stored memories", "user_id", userID, "count", len(docs))
	return nil
}

// GetAll returns every memory of userID, oldest first.
func (c *LocalClient) GetAll(ctx context.Context, userID string) ([]Record, error) {
	records, err := c.query(ctx, userID, userID, c.col.Count())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt < records[j].CreatedAt
	})
	return records, nil
}

// Search returns the memories of userID closest to query, best first.
func (c *LocalClient) Search(ctx context.Context, query, userID string) ([]Record, error) {
	return c.query(ctx, query, userID, localSearchResults)
}

// DeleteAll removes every memory of userID.
func (c *LocalClient) DeleteAll(ctx context.Context, userID string) error {
	if c.col.Count() == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, map[string]string{metaUserID: userID}, nil); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return nil
}

func (c *LocalClient) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func (c *LocalClient) query(ctx context.Context, text, userID string, n int) ([]Record, error) {
	if c.col.Count() == 0 {
		return nil, nil
	}

	// Embed before sizing the query: other users may delete documents while
	// the embedder runs, and chromem rejects n above the current count.
	vec, err := c.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	where := map[string]string{metaUserID: userID}
	var results []chromem.Result
	for attempt := 1; ; attempt++ {
		size := min(n, c.col.Count())
		if size == 0 {
			return nil, nil
		}
		results, err = c.col.QueryEmbedding(ctx, vec, size, where, nil)
		if err == nil {
			break
		}
		if !isShrunkCollection(err) || attempt == queryAttempts {
			return nil, fmt.Errorf("query memories: %w", err)
		}
	}

	records := make([]Record, 0, len(results))
	for _, res := range results {
		records = append(records, toRecord(res))
	}
	return records, nil
}

// isShrunkCollection matches chromem's error for nResults above the number
// of documents, which a concurrent delete can cause.
func isShrunkCollection(err error) bool {
	return strings.Contains(err.Error(), "nResults must be")
}

// encodeMetadata flattens metadata into chromem's string map. Non-string
// values are stored as JSON.
func encodeMetadata(metadata map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode metadata %s: %w", k, err)
		}
		out[k] = string(raw)
	}
	return out, nil
}

func toRecord(res chromem.Result) Record {
	rec := Record{
		ID:        res.ID,
		Memory:    res.Content,
		UserID:    res.Metadata[metaUserID],
		CreatedAt: res.Metadata[metaCreatedAt],
		Metadata:  make(map[string]any, len(res.Metadata)),
	}
	for k, v := range res.Metadata {
		if k == metaUserID || k == metaCreatedAt {
			continue
		}
		if strings.HasPrefix(v, "[") || strings.HasPrefix(v, "{") {
			var decoded any
			if json.Unmarshal([]byte(v), &decoded) == nil {
				rec.Metadata[k] = decoded
				continue
			}
		}
		rec.Metadata[k] = v
	}
	return rec
}
