// Package backend reaches the memory engine. It hides whether memories live
// in the hosted Mem0 API or in an embedded vector store behind Client, and
// keeps one process-wide Client that follows configuration changes.
package backend

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable wraps every failure to construct a Client.
var ErrUnavailable = errors.New("memory backend unavailable")

// Mode tells which engine a Client talks to.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// Record is one stored memory as the engine reports it.
type Record struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// Tags returns metadata.tags whether it was stored as a list or as a
// comma-separated string.
func (r Record) Tags() []string {
	if r.Metadata == nil {
		return nil
	}

	var tags []string
	switch v := r.Metadata["tags"].(type) {
	case []string:
		tags = append(tags, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
	case string:
		tags = strings.Split(v, ",")
	}

	out := tags[:0]
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// Client is the memory engine as seen by the tool layer. Every call is
// scoped to one user.
type Client interface {
	Add(ctx context.Context, text, userID string, metadata map[string]any) error
	GetAll(ctx context.Context, userID string) ([]Record, error)
	Search(ctx context.Context, query, userID string) ([]Record, error)
	DeleteAll(ctx context.Context, userID string) error
	Mode() Mode
	Close() error
}
