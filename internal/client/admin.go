package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// AdminClient communicates with the docgate admin API.
type AdminClient struct {
	*Client
}

// NewAdminClient creates an admin API client. Warns if baseURL uses http://.
func NewAdminClient(baseURL, token string, opts ...Option) *AdminClient {
	if strings.HasPrefix(baseURL, "http://") && !isLoopback(baseURL) {
		fmt.Fprintf(os.Stderr, "warning: sending credentials over unencrypted HTTP connection\n")
	}
	c := New(baseURL, token, opts...)
	return &AdminClient{Client: c}
}

func isLoopback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	h := u.Hostname()
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// TokenCreateRequest is the request body for POST /admin/tokens.
type TokenCreateRequest struct {
	Description string   `json:"description"`
	Indexes     []string `json:"indexes"`
	Permission  string   `json:"permission"`
}

// TokenInfo is the metadata of a token. Token holds the raw value and is only
// set in the response to a creation.
type TokenInfo struct {
	Token       string   `json:"token,omitempty"`
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Indexes     []string `json:"indexes"`
	Permission  string   `json:"permission"`
}

// PruneResult is the outcome of a task prune.
type PruneResult struct {
	IndexUID string    `json:"indexUid,omitempty"`
	Cutoff   time.Time `json:"cutoff"`
	Removed  int       `json:"removed"`
}

func (c *AdminClient) post(ctx context.Context, op, path string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := c.send(ctx, http.MethodPost, c.baseURL+path, "application/json", data, resp); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CreateToken calls POST /admin/tokens and returns the newly created token.
// The raw token value is only available in the response.
func (c *AdminClient) CreateToken(ctx context.Context, desc string, indexes []string, permission string) (*TokenInfo, error) {
	var resp TokenInfo
	req := TokenCreateRequest{Description: desc, Indexes: indexes, Permission: permission}
	if err := c.post(ctx, "create token", "/admin/tokens", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTokens calls GET /admin/tokens and returns all token metadata.
func (c *AdminClient) ListTokens(ctx context.Context) ([]TokenInfo, error) {
	var tokens []TokenInfo
	if err := c.read(ctx, "list tokens", c.baseURL+"/admin/tokens", &tokens); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken calls DELETE /admin/tokens/{id}.
func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if err := c.send(ctx, http.MethodDelete, c.baseURL+"/admin/tokens/"+url.PathEscape(id), "", nil, nil); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// PruneTasks removes finished tasks older than olderThan. An empty uid
// prunes every index.
func (c *AdminClient) PruneTasks(ctx context.Context, uid string, olderThan time.Duration) (*PruneResult, error) {
	var resp PruneResult
	req := struct {
		IndexUID  string `json:"indexUid,omitempty"`
		OlderThan string `json:"olderThan"`
	}{IndexUID: uid, OlderThan: olderThan.String()}
	if err := c.post(ctx, "prune tasks", "/admin/tasks/prune", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
