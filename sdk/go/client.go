package workvaultsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Workvault HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Status reports the vault root and live bucket counts.
type Status struct {
	VaultRoot    string         `json:"vault_root"`
	BucketCounts map[string]int `json:"bucket_counts"`
}

// ItemSummary is the listing view of a vault item.
type ItemSummary struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	Action     string `json:"action"`
	SourceTask string `json:"source_task"`
	Created    string `json:"created"`
	Expires    string `json:"expires"`
}

// Item is the full item view including its markdown content.
type Item struct {
	ItemSummary
	CorrelationID string         `json:"correlation_id"`
	ClaimedBy     string         `json:"claimed_by"`
	ClaimedAt     string         `json:"claimed_at"`
	Extra         map[string]any `json:"extra,omitempty"`
	Content       string         `json:"content"`
}

// Decision reports where a decided approval request landed.
type Decision struct {
	Name     string `json:"name"`
	Decision string `json:"decision"`
	Bucket   string `json:"bucket"`
}

// Agent is one agent's health view.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	Role           string         `json:"role"`
	Status         string         `json:"status"`
	LastSeen       string         `json:"last_seen"`
	Classification string         `json:"classification"`
	Counters       map[string]int `json:"counters,omitempty"`
}

// LogEntry is one audit log record.
type LogEntry struct {
	Timestamp  string         `json:"timestamp"`
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
}

// LogSummary aggregates an audit query.
type LogSummary struct {
	Total    int            `json:"total"`
	Failures int            `json:"failures"`
	ByAction map[string]int `json:"by_action"`
}

// Logs wraps an audit log query result.
type Logs struct {
	Entries []LogEntry `json:"entries"`
	Summary LogSummary `json:"summary"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status fetches the vault status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// ListItems lists the items in a bucket.
func (c *Client) ListItems(ctx context.Context, bucket string) ([]ItemSummary, error) {
	var resp struct {
		Items []ItemSummary `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/buckets/%s/items", url.PathEscape(bucket))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetItem fetches one item including its content.
func (c *Client) GetItem(ctx context.Context, bucket, name string) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("v0/buckets/%s/items/%s", url.PathEscape(bucket), url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending request.
func (c *Client) Approve(ctx context.Context, name string) (Decision, error) {
	return c.decide(ctx, name, "approve")
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, name string) (Decision, error) {
	return c.decide(ctx, name, "reject")
}

func (c *Client) decide(ctx context.Context, name, verb string) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("v0/approvals/%s/%s", url.PathEscape(name), verb)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Agents lists agent health records.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "v0/agents", nil, &resp)
	return resp, err
}

// Logs queries the audit log. Dates are YYYY-MM-DD and both are optional;
// the server defaults to the last 24 hours.
func (c *Client) Logs(ctx context.Context, from, to string) (Logs, error) {
	endpoint := "v0/logs"
	params := url.Values{}
	if from != "" {
		params.Set("from", from)
	}
	if to != "" {
		params.Set("to", to)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Logs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
