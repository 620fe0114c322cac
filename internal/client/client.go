// Package client talks to a docgate server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/docgate/internal/models"
)

// Client is a docgate API client bound to one server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *RetryConfig
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg *RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for the server at baseURL. token may be empty when the
// server does not require authentication.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		retry:      DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) indexURL(uid, path string) string {
	return fmt.Sprintf("%s/indexes/%s%s", c.baseURL, url.PathEscape(uid), path)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// send performs one request and decodes a JSON response into respBody.
func (c *Client) send(ctx context.Context, method, url, contentType string, body []byte, respBody any) error {
	headers := map[string]string{"Accept": "application/json"}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// read is a retried GET.
func (c *Client) read(ctx context.Context, op, url string, respBody any) error {
	return c.retryAll(ctx, op, func() error {
		return c.send(ctx, http.MethodGet, url, "", nil, respBody)
	})
}

// write is a mutation; it is retried only when the server refused it.
func (c *Client) write(ctx context.Context, op, method, url string, body []byte) (*models.TaskHandle, error) {
	var handle models.TaskHandle
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	err := c.retryRejected(ctx, op, func() error {
		return c.send(ctx, method, url, contentType, body, &handle)
	})
	if err != nil {
		return nil, err
	}
	return &handle, nil
}

// AddDocuments submits a JSON array (or single object) of documents.
// MethodReplace sends POST, MethodMerge sends PUT. primaryKey may be empty.
func (c *Client) AddDocuments(ctx context.Context, uid string, method models.Method, payload []byte, primaryKey string) (*models.TaskHandle, error) {
	u := c.indexURL(uid, "/documents")
	if primaryKey != "" {
		u += "?" + url.Values{"primaryKey": {primaryKey}}.Encode()
	}
	httpMethod := http.MethodPost
	if method == models.MethodMerge {
		httpMethod = http.MethodPut
	}
	handle, err := c.write(ctx, "add documents", httpMethod, u, payload)
	if err != nil {
		return nil, fmt.Errorf("add documents to %s: %w", uid, err)
	}
	return handle, nil
}

// ListDocuments returns a page of documents.
func (c *Client) ListDocuments(ctx context.Context, uid string, offset, limit int, attributes []string) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if len(attributes) > 0 {
		q.Set("attributesToRetrieve", strings.Join(attributes, ","))
	}
	var docs []json.RawMessage
	if err := c.read(ctx, "list documents", c.indexURL(uid, "/documents?"+q.Encode()), &docs); err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", uid, err)
	}
	return docs, nil
}

// GetDocument returns one document.
func (c *Client) GetDocument(ctx context.Context, uid, id string, attributes []string) (json.RawMessage, error) {
	u := c.indexURL(uid, "/documents/"+url.PathEscape(id))
	if len(attributes) > 0 {
		u += "?" + url.Values{"attributesToRetrieve": {strings.Join(attributes, ",")}}.Encode()
	}
	var doc json.RawMessage
	if err := c.read(ctx, "get document", u, &doc); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// DeleteDocument deletes one document.
func (c *Client) DeleteDocument(ctx context.Context, uid, id string) (*models.TaskHandle, error) {
	handle, err := c.write(ctx, "delete document", http.MethodDelete, c.indexURL(uid, "/documents/"+url.PathEscape(id)), nil)
	if err != nil {
		return nil, fmt.Errorf("delete document %s: %w", id, err)
	}
	return handle, nil
}

// DeleteDocuments deletes a batch of ids. Ids may be strings or integers.
func (c *Client) DeleteDocuments(ctx context.Context, uid string, ids []any) (*models.TaskHandle, error) {
	body, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal ids: %w", err)
	}
	handle, err := c.write(ctx, "delete documents", http.MethodPost, c.indexURL(uid, "/documents/delete-batch"), body)
	if err != nil {
		return nil, fmt.Errorf("delete documents of %s: %w", uid, err)
	}
	return handle, nil
}

// ClearDocuments deletes every document of an index.
func (c *Client) ClearDocuments(ctx context.Context, uid string) (*models.TaskHandle, error) {
	handle, err := c.write(ctx, "clear documents", http.MethodDelete, c.indexURL(uid, "/documents"), nil)
	if err != nil {
		return nil, fmt.Errorf("clear %s: %w", uid, err)
	}
	return handle, nil
}

// GetIndex returns the committed metadata of an index.
func (c *Client) GetIndex(ctx context.Context, uid string) (*models.IndexInfo, error) {
	var info models.IndexInfo
	if err := c.read(ctx, "get index", c.indexURL(uid, ""), &info); err != nil {
		return nil, fmt.Errorf("get index %s: %w", uid, err)
	}
	return &info, nil
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, uid string, id uint64) (*models.Task, error) {
	var task models.Task
	if err := c.read(ctx, "get task", c.indexURL(uid, "/tasks/"+strconv.FormatUint(id, 10)), &task); err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &task, nil
}

// ListTasks returns tasks from id from onwards. An empty status lists all.
func (c *Client) ListTasks(ctx context.Context, uid string, from uint64, limit int, status models.TaskStatus) ([]*models.Task, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	u := c.indexURL(uid, "/tasks")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var list []*models.Task
	if err := c.read(ctx, "list tasks", u, &list); err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", uid, err)
	}
	return list, nil
}

// WaitTask polls a task until it is finished or ctx is done.
func (c *Client) WaitTask(ctx context.Context, uid string, id uint64, interval time.Duration) (*models.Task, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		task, err := c.GetTask(ctx, uid, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return nil, fmt.Errorf("wait for task %d: %w", id, err)
		}
	}
}

// Health checks that the server is ready to serve requests.
func (c *Client) Health(ctx context.Context) error {
	if err := c.send(ctx, http.MethodGet, c.baseURL+"/readyz", "", nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// APIError represents a structured error from the server.
type APIError struct {
	Code    string
	Message string
	Detail  map[string]any
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s: %s", e.Status, e.Code, e.Message)
}

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func decodeError(resp *http.Response) error {
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
		return &APIError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &APIError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Detail:  errResp.Detail,
		Status:  resp.StatusCode,
	}
}
