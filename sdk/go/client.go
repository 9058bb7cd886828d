package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID              string  `json:"id"`
	RequesterID     string  `json:"requester_id"`
	ProviderID      *string `json:"provider_id,omitempty"`
	Category        string  `json:"category"`
	Description     string  `json:"description,omitempty"`
	Address         string  `json:"address,omitempty"`
	ScheduledFor    string  `json:"scheduled_for,omitempty"`
	Status          string  `json:"status"`
	EstimatedAmount int64   `json:"estimated_amount"`
	FinalAmount     *int64  `json:"final_amount,omitempty"`
	Currency        string  `json:"currency"`
	Rating          *int    `json:"rating,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// CreateMission is the payload for a new mission.
type CreateMission struct {
	Category        string `json:"category"`
	Description     string `json:"description,omitempty"`
	Address         string `json:"address,omitempty"`
	ScheduledFor    string `json:"scheduled_for,omitempty"`
	EstimatedAmount int64  `json:"estimated_amount"`
}

type Wallet struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Currency  string `json:"currency"`
	UpdatedAt string `json:"updated_at"`
}

type LedgerEntry struct {
	ID         int64  `json:"id"`
	Amount     int64  `json:"amount"`
	Kind       string `json:"kind"`
	MissionRef string `json:"mission_ref,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// WalletView is a wallet with a page of its ledger history, newest first.
type WalletView struct {
	Wallet     Wallet        `json:"wallet"`
	History    []LedgerEntry `json:"history"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type Invoice struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at"`
}

// LiveEvent is one message pushed on a live channel.
type LiveEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Mission decodes Data for mission:* events.
func (e LiveEvent) Mission() (Mission, error) {
	var m Mission
	err := json.Unmarshal(e.Data, &m)
	return m, err
}

// Wallet decodes Data for wallet:updated events.
func (e LiveEvent) Wallet() (Wallet, error) {
	var w Wallet
	err := json.Unmarshal(e.Data, &w)
	return w, err
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// ErrorCode returns the API error code of err, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateMission creates a mission for the authenticated user.
func (c *Client) CreateMission(ctx context.Context, in CreateMission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListMissions lists missions in scope (party, requester, provider, open, all).
func (c *Client) ListMissions(ctx context.Context, scope, status string) ([]Mission, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "missions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Accept(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "accept", nil)
}

func (c *Client) Start(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "start", nil)
}

// Complete settles the mission; a nil finalAmount settles at the estimate.
func (c *Client) Complete(ctx context.Context, id string, finalAmount *int64) (Mission, error) {
	body := map[string]any{}
	if finalAmount != nil {
		body["final_amount"] = *finalAmount
	}
	return c.transition(ctx, id, "complete", body)
}

func (c *Client) Validate(ctx context.Context, id string, rating int) (Mission, error) {
	return c.transition(ctx, id, "validate", map[string]any{"rating": rating})
}

func (c *Client) Cancel(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "cancel", nil)
}

func (c *Client) Dispute(ctx context.Context, id, reason string) (Mission, error) {
	return c.transition(ctx, id, "dispute", map[string]any{"reason": reason})
}

func (c *Client) Resolve(ctx context.Context, id string, providerAmount int64) (Mission, error) {
	return c.transition(ctx, id, "resolve", map[string]any{"provider_amount": providerAmount})
}

func (c *Client) Invoice(ctx context.Context, missionID string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(missionID)+"/invoice", nil, &resp)
	return resp, err
}

// Wallet returns the caller's wallet and latest ledger entries.
func (c *Client) Wallet(ctx context.Context, limit int) (WalletView, error) {
	endpoint := "wallet"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp WalletView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deposit funds userID's wallet (admin only).
func (c *Client) Deposit(ctx context.Context, userID string, amount int64) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/deposits", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Subscribe opens a websocket live channel. Events are delivered on the
// returned channel until ctx is done or the server closes the connection.
func (c *Client) Subscribe(ctx context.Context) (<-chan LiveEvent, error) {
	u, err := url.Parse(c.base() + c.path("live"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	c.authorize(header)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, newAPIError(resp.StatusCode, b)
		}
		return nil, err
	}
	out := make(chan LiveEvent, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var ev LiveEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (Mission, error) {
	if body == nil {
		body = map[string]any{}
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions/"+url.PathEscape(id)+"/"+action, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+c.path(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	return &APIError{StatusCode: status, Code: envelope.Error.Code, Body: string(body)}
}

func (c *Client) authorize(h http.Header) {
	switch {
	case c.BearerToken != "":
		h.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		h.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return "/" + strings.TrimLeft(p, "/")
	}
	return "/" + base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
