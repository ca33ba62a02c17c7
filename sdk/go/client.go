package todochainsdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Client is a minimal Todochain HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:5001/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		// Writes wait for a mined receipt.
		Timeout: 60 * time.Second,
	}
}

// Task mirrors the on-chain task record.
type Task struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    uint8  `json:"priority"`
	Progress    uint8  `json:"progress"`
	Deadline    string `json:"deadline"`
	Completed   bool   `json:"completed"`
	AIAdvice    string `json:"aiAdvice"`
	Owner       string `json:"owner"`
}

// TaskInput is the writable part of a task.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    uint8  `json:"priority"`
	Progress    uint8  `json:"progress,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
}

// Receipt describes a confirmed contract transaction.
type Receipt struct {
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
	GasUsed     uint64  `json:"gasUsed"`
	Status      string  `json:"status"`
	TaskID      *uint64 `json:"taskId,omitempty"`
}

type writeResponse struct {
	Message string  `json:"message"`
	Receipt Receipt `json:"receipt"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LoginMessage is the text a wallet signs to log in.
func LoginMessage(now time.Time) string {
	return "Please sign this message to authenticate: " + now.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Login signs a login message with key, exchanges it for a bearer token and
// stores the token on the client.
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (string, error) {
	msg := LoginMessage(time.Now())
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return c.VerifySignature(ctx, crypto.PubkeyToAddress(key.PublicKey).Hex(), msg, hexutil.Encode(sig))
}

// VerifySignature exchanges a personal_sign signature for a bearer token.
func (c *Client) VerifySignature(ctx context.Context, address, message, signature string) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Token   string `json:"token"`
	}
	body := map[string]string{"address": address, "message": message, "signature": signature}
	if err := c.do(ctx, http.MethodPost, "auth/verify-signature", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CreateTask creates a task and returns its id.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Receipt, error) {
	var resp writeResponse
	err := c.do(ctx, http.MethodPost, "tasks/create", in, &resp)
	return resp.Receipt, err
}

// EditTask replaces a task's writable fields.
func (c *Client) EditTask(ctx context.Context, id uint64, in TaskInput) (Receipt, error) {
	var resp writeResponse
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%d", id), in, &resp)
	return resp.Receipt, err
}

func (c *Client) CompleteTask(ctx context.Context, id uint64) (Receipt, error) {
	var resp writeResponse
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d/complete", id), nil, &resp)
	return resp.Receipt, err
}

func (c *Client) DeleteTask(ctx context.Context, id uint64) (Receipt, error) {
	var resp writeResponse
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp.Receipt, err
}

func (c *Client) GetTask(ctx context.Context, id uint64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// Advice asks the model for a tip on an unsaved task.
func (c *Client) Advice(ctx context.Context, in TaskInput) (string, error) {
	var resp string
	err := c.do(ctx, http.MethodPost, "ai/get-advice", in, &resp)
	return resp, err
}

// Prioritize asks the model to rank tasks; nil ranks every open task.
func (c *Client) Prioritize(ctx context.Context, tasks []TaskInput) (string, error) {
	var resp string
	body := map[string]any{}
	if tasks != nil {
		body["tasks"] = tasks
	}
	err := c.do(ctx, http.MethodPost, "ai/prioritize-task", body, &resp)
	return resp, err
}

// SendNotification pushes message to every subscription.
func (c *Client) SendNotification(ctx context.Context, message string) error {
	return c.do(ctx, http.MethodPost, "notification/sendNotification", map[string]string{"message": message}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
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
