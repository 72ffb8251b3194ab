// Package quantcore is a Go client for the quantcore trading API.
package quantcore

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

// Client provides a Go SDK for interacting with the quantcore API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new quantcore API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantcore api: %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Filter narrows intent and fill listings. Zero values match everything.
type Filter struct {
	Symbol string
	Since  time.Time
}

func (f Filter) query() url.Values {
	q := url.Values{}
	if f.Symbol != "" {
		q.Set("symbol", f.Symbol)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	return q
}

// Health retrieves server status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	return get[Health](ctx, c, "/api/v1/health", nil)
}

// Strategies lists registered strategy identifiers.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	return get[[]string](ctx, c, "/api/v1/strategies", nil)
}

// Subscriptions lists active subscriptions.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return get[[]Subscription](ctx, c, "/api/v1/subscriptions", nil)
}

// Subscribe attaches a strategy to a symbol.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	var sub Subscription
	err := c.do(ctx, http.MethodPost, "/api/v1/subscriptions", nil, req, &sub)
	return sub, err
}

// Unsubscribe detaches a strategy from a symbol.
func (c *Client) Unsubscribe(ctx context.Context, strategy, symbol string) error {
	path := "/api/v1/subscriptions/" + url.PathEscape(strategy) + "/" + url.PathEscape(symbol)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Positions retrieves current positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	return get[[]Position](ctx, c, "/api/v1/positions", nil)
}

// Account retrieves account information.
func (c *Client) Account(ctx context.Context) (Account, error) {
	return get[Account](ctx, c, "/api/v1/account", nil)
}

// Intents retrieves order intents matching f.
func (c *Client) Intents(ctx context.Context, f Filter) ([]Intent, error) {
	return get[[]Intent](ctx, c, "/api/v1/intents", f.query())
}

// Fills retrieves fills matching f.
func (c *Client) Fills(ctx context.Context, f Filter) ([]Fill, error) {
	return get[[]Fill](ctx, c, "/api/v1/fills", f.query())
}

// Equity retrieves the equity curve.
func (c *Client) Equity(ctx context.Context) ([]EquityPoint, error) {
	return get[[]EquityPoint](ctx, c, "/api/v1/equity", nil)
}

// Errors retrieves recorded subscription errors.
func (c *Client) Errors(ctx context.Context) ([]SubscriptionError, error) {
	return get[[]SubscriptionError](ctx, c, "/api/v1/errors", nil)
}

// Report retrieves the session's performance report.
func (c *Client) Report(ctx context.Context) (Report, error) {
	return get[Report](ctx, c, "/api/v1/report", nil)
}

// StreamEvents connects to the websocket feed and calls fn for every event
// until ctx is cancelled, the server closes the stream or fn returns an
// error.
func (c *Client) StreamEvents(ctx context.Context, symbols []string, fn func(Event) error) error {
	u, err := url.Parse(c.baseURL + "/ws/events")
	if err != nil {
		return fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(symbols) > 0 {
		u.RawQuery = url.Values{"symbols": {strings.Join(symbols, ",")}}.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", u, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func get[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	var v T
	err := c.do(ctx, http.MethodGet, path, q, nil, &v)
	return v, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
