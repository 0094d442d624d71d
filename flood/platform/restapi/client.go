package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bluesky-social/floodgate/flood/platform"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// JSON/HTTP client for the hosting platform's moderation API.
//
// Endpoints (relative to Host):
//
//	GET  /v1/groups/{group}/members/{author}  -> {"member": bool}
//	GET  /v1/items/{item}                     -> Item
//	GET  /v1/me                               -> {"name": string}
//	POST /v1/items/{item}/remove
//	POST /v1/items/{item}/removal-note        <- {"reasonId", "note"}
//	POST /v1/items/{item}/reply               <- {"body", "sticky", "distinguish"}
//	POST /v1/items/{item}/flair               <- FlairOptions
//	POST /v1/items/{item}/lock
type Client struct {
	Host      string
	Token     string
	UserAgent string
	Client    *http.Client
	Limiter   *rate.Limiter
}

var _ platform.Platform = (*Client)(nil)

// Error returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform API error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("platform API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Rewrites retryablehttp ERROR logs to WARN (because of retries), and DEBUG to INFO (where retries are logged).
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

type ctxKey int

const noRetryKey ctxKey = iota

// Marks requests which must not be repeated, eg posting a reply.
func withoutRetries(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey, true)
}

// The default retryablehttp policy, except for requests marked withoutRetries, which are sent once.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if noRetry, _ := ctx.Value(noRetryKey).(bool); noRetry {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// HTTP client which retries on connection errors, 5xx (except 501) and 429 responses.
//
// Retries live here, in the I/O layer; the flood engine itself never retries a lookup. Only lookups are retried: the moderation procedures are not idempotent (a retried reply posts twice), so they are sent once.
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger.With("component", "restapi")})
	retryClient.CheckRetry = RetryPolicy
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

// Creates a client with the robust HTTP defaults. A zero or negative rps disables client-side rate limiting.
func NewClient(host, token string, rps int) *Client {
	c := &Client{
		Host:   host,
		Token:  token,
		Client: RobustHTTPClient(nil),
	}
	if rps > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Client) do(ctx context.Context, method, path string, bodyobj, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	if method != http.MethodGet {
		ctx = withoutRetries(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Host+path, body)
	if err != nil {
		return err
	}
	if bodyobj != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "floodgate/"+versioninfo.Short())
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		// error body is optional
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding platform response: %w", err)
		}
	}
	return nil
}

type membershipResponse struct {
	Member bool `json:"member"`
}

func (c *Client) isMember(ctx context.Context, group, authorID string) (bool, error) {
	var out membershipResponse
	path := fmt.Sprintf("/v1/groups/%s/members/%s", group, url.PathEscape(authorID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Member, nil
}

func (c *Client) IsModerator(ctx context.Context, authorID string) (bool, error) {
	return c.isMember(ctx, "moderators", authorID)
}

func (c *Client) IsContributor(ctx context.Context, authorID string) (bool, error) {
	return c.isMember(ctx, "contributors", authorID)
}

func (c *Client) GetItemByID(ctx context.Context, itemID string) (*platform.Item, error) {
	var item platform.Item
	err := c.do(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(itemID), nil, &item)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", platform.ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("fetching item %s: %w", itemID, err)
	}
	return &item, nil
}

type meResponse struct {
	Name string `json:"name"`
}

func (c *Client) ServiceAccountName(ctx context.Context) (string, error) {
	var out meResponse
	if err := c.do(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return "", fmt.Errorf("fetching service account: %w", err)
	}
	return out.Name, nil
}

func (c *Client) itemProcedure(ctx context.Context, itemID, action string, bodyobj any) error {
	path := fmt.Sprintf("/v1/items/%s/%s", url.PathEscape(itemID), action)
	return c.do(ctx, http.MethodPost, path, bodyobj, nil)
}

func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.itemProcedure(ctx, itemID, "remove", nil)
}

func (c *Client) AddRemovalNote(ctx context.Context, itemID, reasonID, note string) error {
	return c.itemProcedure(ctx, itemID, "removal-note", map[string]string{
		"reasonId": reasonID,
		"note":     note,
	})
}

func (c *Client) ReplyToItem(ctx context.Context, itemID, body string) error {
	return c.itemProcedure(ctx, itemID, "reply", map[string]any{
		"body":        body,
		"sticky":      true,
		"distinguish": true,
	})
}

func (c *Client) SetItemFlair(ctx context.Context, itemID string, flair platform.FlairOptions) error {
	return c.itemProcedure(ctx, itemID, "flair", flair)
}

func (c *Client) LockItem(ctx context.Context, itemID string) error {
	return c.itemProcedure(ctx, itemID, "lock", nil)
}
