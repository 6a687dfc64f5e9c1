package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/config"
)

const (
	remotePageSize = 50
	remoteMaxPages = 10
)

// CustomInstructions steers what the hosted engine extracts from added
// text. It is pushed to the Mem0 project and reused by the local fact
// extractor.
const CustomInstructions = `Extract the Following Information:

- Code Snippets: Save the actual code for future reference.
- Explanation: Document a clear description of what the code does and how it works.
- Related Technical Details: Include information about the programming language, dependencies, and system specifications.
- Key Features: Highlight the main functionalities and important aspects of the snippet.`

// RemoteClient talks to the hosted Mem0 REST API.
type RemoteClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteClient builds a client for cfg. When both organization and
// project ids are set the project's custom instructions are updated once;
// a failure there is logged and does not fail construction.
func NewRemoteClient(ctx context.Context, cfg config.Mem0Config, logger *slog.Logger) (*RemoteClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("MEM0_API_KEY is not set")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid MEM0_API_URL %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &RemoteClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		logger:     logger,
	}

	if cfg.OrgID != "" && cfg.ProjectID != "" {
		if err := c.updateProject(ctx, cfg.OrgID, cfg.ProjectID); err != nil {
			logger.Warn("failed to update Mem0 project instructions", "error", err)
		}
	}
	return c, nil
}

func (c *RemoteClient) Mode() Mode {
	return ModeRemote
}

// Add stores text as a user message for userID.
func (c *RemoteClient) Add(ctx context.Context, text, userID string, metadata map[string]any) error {
	body := map[string]any{
		"messages":      []map[string]string{{"role": "user", "content": text}},
		"user_id":       userID,
		"output_format": "v1.1",
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/memories/", nil, body)
	return err
}

// GetAll pages through every memory of userID.
func (c *RemoteClient) GetAll(ctx context.Context, userID string) ([]Record, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("page", "1")
	query.Set("page_size", strconv.Itoa(remotePageSize))
	query.Set("output_format", "v1.1")

	raw, err := c.do(ctx, http.MethodGet, "/v1/memories/", query, nil)
	if err != nil {
		return nil, err
	}

	var all []Record
	for page := 1; ; page++ {
		records, next, err := decodePage(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)

		if next == "" || page >= remoteMaxPages {
			if next != "" {
				c.logger.Warn("memory listing truncated", "user_id", userID, "pages", page)
			}
			return all, nil
		}
		if raw, err = c.doURL(ctx, http.MethodGet, next, nil); err != nil {
			return nil, err
		}
	}
}

// Search ranks the memories of userID against query.
func (c *RemoteClient) Search(ctx context.Context, query, userID string) ([]Record, error) {
	body := map[string]any{
		"query":         query,
		"user_id":       userID,
		"output_format": "v1.1",
	}
	raw, err := c.do(ctx, http.MethodPost, "/v1/memories/search/", nil, body)
	if err != nil {
		return nil, err
	}
	return Normalize(raw)
}

// DeleteAll removes every memory of userID.
func (c *RemoteClient) DeleteAll(ctx context.Context, userID string) error {
	query := url.Values{}
	query.Set("user_id", userID)
	_, err := c.do(ctx, http.MethodDelete, "/v1/memories/", query, nil)
	return err
}

func (c *RemoteClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *RemoteClient) updateProject(ctx context.Context, orgID, projectID string) error {
	path := fmt.Sprintf("/api/v1/orgs/organizations/%s/projects/%s/", url.PathEscape(orgID), url.PathEscape(projectID))
	_, err := c.do(ctx, http.MethodPatch, path, nil, map[string]string{"custom_instructions": CustomInstructions})
	return err
}

func (c *RemoteClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.doURL(ctx, method, target, body)
}

func (c *RemoteClient) doURL(ctx context.Context, method, target string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", method, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mem0 %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mem0 response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mem0 %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
