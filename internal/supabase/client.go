package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/config"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
)

// Client is a wrapper around the Supabase REST and auth APIs.
// With a service role key it bypasses row level security; with the anon key and a
// user access token every call runs as that user.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
	log         zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the project at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewServiceClient creates a client authenticated with the service role key.
func NewServiceClient(cfg *config.Config, opts ...Option) *Client {
	opts = append([]Option{WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout})}, opts...)
	return NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, opts...)
}

// NewUserClient creates a client acting as the user behind cfg.AccessToken.
func NewUserClient(cfg *config.Config, opts ...Option) *Client {
	opts = append([]Option{WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout})}, opts...)
	return NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, opts...).WithAccessToken(cfg.AccessToken)
}

// WithAccessToken returns a copy of the client that authenticates as the token's user.
func (c *Client) WithAccessToken(token string) *Client {
	cp := *c
	cp.accessToken = token
	return &cp
}

// APIKey returns the project key the client was created with.
func (c *Client) APIKey() string { return c.apiKey }

// AccessToken returns the bearer token sent with requests.
func (c *Client) AccessToken() string {
	if c.accessToken != "" {
		return c.accessToken
	}
	return c.apiKey
}

// doRequest executes an HTTP request against the project.
// It adds authentication headers and turns error statuses into *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, prefer string) (http.Header, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.AccessToken())
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("supabase request")

	if resp.StatusCode >= 400 {
		return nil, nil, newError(resp.StatusCode, respBody)
	}
	return resp.Header, respBody, nil
}

// Select runs q and decodes the rows into dest, which must point to a slice.
func (c *Client) Select(ctx context.Context, q Query, dest any) error {
	_, body, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/"+q.Endpoint(), nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", q.Table, err)
	}
	return nil
}

// SelectOne decodes the first row of q into dest. An empty result is not an
// error: found is false and dest is untouched.
func (c *Client) SelectOne(ctx context.Context, q Query, dest any) (bool, error) {
	var rows []json.RawMessage
	if err := c.Select(ctx, q.Take(1), &rows); err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return false, fmt.Errorf("failed to parse %s row: %w", q.Table, err)
	}
	return true, nil
}

// Insert adds record to table. When columns is not empty the inserted row is
// selected with those columns and decoded into dest.
func (c *Client) Insert(ctx context.Context, table string, record any, columns string, dest any) error {
	path := "/rest/v1/" + table
	prefer := "return=minimal"
	if columns != "" {
		path += "?" + url.Values{"select": {columns}}.Encode()
		prefer = "return=representation"
	}

	_, body, err := c.doRequest(ctx, http.MethodPost, path, record, prefer)
	if err != nil {
		return err
	}
	if columns == "" || dest == nil {
		return nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("failed to parse inserted %s: %w", table, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert into %s returned no row", table)
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return fmt.Errorf("failed to parse inserted %s: %w", table, err)
	}
	return nil
}

// Update applies patch to every row of table matching filters.
func (c *Client) Update(ctx context.Context, table string, filters []Filter, patch any) error {
	if len(filters) == 0 {
		return errors.New("refusing to update " + table + " without filters")
	}
	_, _, err := c.doRequest(ctx, http.MethodPatch, "/rest/v1/"+filterPath(table, filters), patch, "return=minimal")
	return err
}

// Upsert inserts record or merges it into the row conflicting on onConflict.
func (c *Client) Upsert(ctx context.Context, table string, record any, onConflict string) error {
	path := "/rest/v1/" + table
	if onConflict != "" {
		path += "?" + url.Values{"on_conflict": {onConflict}}.Encode()
	}
	_, _, err := c.doRequest(ctx, http.MethodPost, path, record, "resolution=merge-duplicates,return=minimal")
	return err
}

// Count returns the exact number of rows of table matching filters.
func (c *Client) Count(ctx context.Context, table string, filters []Filter) (int, error) {
	q := Query{Table: table, Columns: "id", Filters: filters}
	header, _, err := c.doRequest(ctx, http.MethodHead, "/rest/v1/"+q.Endpoint(), nil, "count=exact")
	if err != nil {
		return 0, err
	}
	return parseContentRange(header.Get("Content-Range"))
}

// RPC calls a database function. dest may be nil when the result is not needed.
func (c *Client) RPC(ctx context.Context, fn string, args any, dest any) error {
	if args == nil {
		args = map[string]any{}
	}
	_, body, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, args, "")
	if err != nil {
		return err
	}
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", fn, err)
	}
	return nil
}

// CurrentUser returns the principal behind the access token, or nil when there
// is no session or the token was rejected.
func (c *Client) CurrentUser(ctx context.Context) (*models.Principal, error) {
	if c.accessToken == "" {
		return nil, nil
	}
	_, body, err := c.doRequest(ctx, http.MethodGet, "/auth/v1/user", nil, "")
	if err != nil {
		if IsUnauthorized(err) {
			return nil, nil
		}
		return nil, err
	}

	var p models.Principal
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse user: %w", err)
	}
	if p.ID == "" {
		return nil, nil
	}
	return &p, nil
}

// Broadcast sends a Realtime Broadcast event through the REST endpoint, so no
// websocket connection is needed on the sending side.
func (c *Client) Broadcast(ctx context.Context, topic, event string, payload any) error {
	body := map[string]any{
		"messages": []map[string]any{
			{"topic": topic, "event": event, "payload": payload},
		},
	}
	_, _, err := c.doRequest(ctx, http.MethodPost, "/realtime/v1/api/broadcast", body, "")
	if err != nil {
		return fmt.Errorf("broadcast %s on %s: %w", event, topic, err)
	}
	return nil
}

// parseContentRange reads the total from a "0-9/42" or "*/0" header value.
func parseContentRange(v string) (int, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("missing count in content-range %q", v)
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return 0, fmt.Errorf("invalid count in content-range %q: %w", v, err)
	}
	return n, nil
}
