// Package pairagent is a small HTTP client for the pairagentd operator API.
package pairagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the pairagentd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Message mirrors a mailbox message.
type Message struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Content string    `json:"content"`
	Sender  string    `json:"sender,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// BehaviourStatus reports one periodic behaviour.
type BehaviourStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Skipped   int64         `json:"skipped"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// AgentStatus is the snapshot returned by /api/v1/agents.
type AgentStatus struct {
	Name       string              `json:"name"`
	State      string              `json:"state"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Inbox      string              `json:"inbox"`
	Outbox     string              `json:"outbox"`
	InboxDepth int                 `json:"inbox_depth"`
	Handled    int64               `json:"handled"`
	Failures   int64               `json:"failures"`
	Sent       int64               `json:"sent"`
	Handlers   map[string][]string `json:"handlers"`
	Behaviours []BehaviourStatus   `json:"behaviours"`
}

// Transfer is one journal entry.
type Transfer struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Amount      string    `json:"amount"`
	Outcome     string    `json:"outcome"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Attempts    int       `json:"attempts"`
	Nonces      []uint64  `json:"nonces"`
	GasPrices   []string  `json:"gas_prices"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Health is the /healthz payload.
type Health struct {
	Status string            `json:"status"`
	Agents map[string]string `json:"agents"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pairagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for baseURL. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with /api/v1 calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/healthz", nil, &out)
	return out, err
}

// ListAgents returns snapshots of both peers.
func (c *Client) ListAgents(ctx context.Context) ([]AgentStatus, error) {
	var out []AgentStatus
	err := c.get(ctx, "/api/v1/agents", nil, &out)
	return out, err
}

// Agent returns the snapshot of one peer.
func (c *Client) Agent(ctx context.Context, name string) (AgentStatus, error) {
	var out AgentStatus
	err := c.get(ctx, path.Join("/api/v1/agents", url.PathEscape(name)), nil, &out)
	return out, err
}

// ListTransfers returns the latest journal entries, newest first.
func (c *Client) ListTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []Transfer
	err := c.get(ctx, "/api/v1/transfers", query, &out)
	return out, err
}

// Enqueue places a message into the named agent's inbox.
func (c *Client) Enqueue(ctx context.Context, agentName, msgType, content, sender string) (Message, error) {
	payload := map[string]string{"type": msgType, "content": content, "sender": sender}
	var out Message
	err := c.post(ctx, path.Join("/api/v1/agents", url.PathEscape(agentName), "inbox"), payload, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
