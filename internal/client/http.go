package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/server"
)

// HTTPClient implements Client against the HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://localhost:8080"). When token is non-empty, an Authorization header
// is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *HTTPClient) ListTenants(ctx context.Context) ([]*server.TenantStatus, error) {
	var resp struct {
		Tenants []*server.TenantStatus `json:"tenants"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tenants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tenants, nil
}

func (c *HTTPClient) GetTenant(ctx context.Context, tenant string) (*server.TenantStatus, error) {
	var st server.TenantStatus
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenant, ""), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) ListAgents(ctx context.Context, tenant string) ([]*model.Agent, error) {
	var resp struct {
		Agents []*model.Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenant, "/agents"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *HTTPClient) ListOrphans(ctx context.Context, tenant string) ([]*model.Agent, error) {
	var resp struct {
		Agents []*model.Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenant, "/agents?orphaned=1"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *HTTPClient) Suspend(ctx context.Context, tenant string) (*coordinator.Status, error) {
	var st coordinator.Status
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/suspend"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) Resume(ctx context.Context, tenant string) (*coordinator.Status, error) {
	var st coordinator.Status
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/resume"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) Enqueue(ctx context.Context, tenant string, works []indexwork.Work) ([]*model.Event, error) {
	body := map[string]any{"works": works}
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenant, "/events"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *HTTPClient) Stream(ctx context.Context, topics []string, fn func(Notification) error) error {
	path := "/v1/events/stream"
	if len(topics) > 0 {
		path += "?" + url.Values{"topics": {strings.Join(topics, ",")}}.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	err = readSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE parses an event stream, calling fn once per complete event.
// Comment lines (keepalives) are ignored.
func readSSE(r io.Reader, fn func(Notification) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var n Notification
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if n.Topic != "" || len(n.Data) > 0 {
				if err := fn(n); err != nil {
					return err
				}
			}
			n = Notification{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			n.ID = strings.TrimPrefix(line, "id:")
		case strings.HasPrefix(line, "event:"):
			n.Topic = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			n.Data = json.RawMessage(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func tenantPath(tenant, suffix string) string {
	return "/v1/tenants/" + url.PathEscape(tenant) + suffix
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON performs a request and decodes the JSON response into result.
// If result is nil the body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}
