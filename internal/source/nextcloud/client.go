package nextcloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"nclbk/internal/domain"
)

const (
	SourceName = "Nextcloud Bookmarks"

	defaultAPIPath = "/index.php/apps/bookmarks/public/rest/v2"
	userAgent      = "nclbk/1.0"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrDecode           = errors.New("decode response")
)

// Config holds Nextcloud Bookmarks client configuration.
type Config struct {
	BaseURL    string
	APIPath    string
	AuthID     string
	AuthSecret string
	Timeout    time.Duration
	// RateLimit is in requests per second; zero or negative disables pacing.
	RateLimit float64
	RateBurst int
}

// Client talks to the Nextcloud Bookmarks REST API (v2).
type Client struct {
	httpClient   *http.Client
	limiter      *rate.Limiter
	bookmarksURL string
	tagsURL      string
	authHeader   string
	account      string
	logger       *slog.Logger
}

// New creates a client. It fails when BaseURL is not an absolute URL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	root, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("parse base url: %q is not an absolute url", cfg.BaseURL)
	}

	apiPath := cfg.APIPath
	if apiPath == "" {
		apiPath = defaultAPIPath
	}
	base := root.JoinPath(apiPath)

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(cfg.AuthID + ":" + cfg.AuthSecret))
	account := cfg.AuthID + "@" + root.Host

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:      rate.NewLimiter(limit, burst),
		bookmarksURL: base.JoinPath("bookmark").String(),
		tagsURL:      base.JoinPath("tag").String(),
		authHeader:   "Basic " + credentials,
		account:      account,
		logger:       logger.With("source", SourceName, "account", account),
	}, nil
}

// Account identifies the remote account as <auth id>@<host>.
func (c *Client) Account() string {
	return c.account
}

// ListTags returns every tag of the account in ascending order.
func (c *Client) ListTags(ctx context.Context) ([]string, error) {
	c.logger.Debug("listing tags", "url", c.tagsURL)

	body, err := c.get(ctx, c.tagsURL)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	tags, err := decodeTags(body)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	sort.Strings(tags)

	if len(tags) == 0 {
		c.logger.Debug("no tags exist")
	}

	return tags, nil
}

// ListBookmarks returns every bookmark matching any of the query's tags or
// search terms, across all pages. A null entry in the response becomes a
// record with Present set to false.
func (c *Client) ListBookmarks(ctx context.Context, q domain.Query) ([]domain.BookmarkRecord, error) {
	requestURL := c.bookmarksURL + "?" + EncodeQuery(q)
	c.logger.Info("listing bookmarks", "url", requestURL)

	body, err := c.get(ctx, requestURL)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}

	var resp bookmarksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("list bookmarks: %w: %v", ErrDecode, err)
	}
	if resp.Status != statusSuccess {
		return nil, fmt.Errorf("list bookmarks: %w: remote status %q", ErrUnexpectedStatus, resp.Status)
	}

	if len(resp.Data) == 0 {
		c.logger.Info("no bookmarks matched the query")
		return []domain.BookmarkRecord{}, nil
	}

	records := make([]domain.BookmarkRecord, len(resp.Data))
	for i, b := range resp.Data {
		records[i].Index = i
		if b == nil {
			c.logger.Warn("null bookmark record in response", "index", i)
			continue
		}
		records[i].Present = true
		records[i].Bookmark = *b
	}

	return records, nil
}

// DeleteBookmark deletes a bookmark by id. The result reflects the response
// status class only; an error is returned when the request could not be made.
func (c *Client) DeleteBookmark(ctx context.Context, id uint64) (bool, error) {
	requestURL := c.bookmarksURL + "/" + strconv.FormatUint(id, 10)

	resp, err := c.do(ctx, http.MethodDelete, requestURL)
	if err != nil {
		return false, fmt.Errorf("delete bookmark %d: %w", id, err)
	}
	defer resp.Body.Close()

	ok := isSuccess(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("failed to read delete response", "id", id, "error", err)
	}
	c.logger.Debug("delete api response",
		"id", id,
		"status", resp.StatusCode,
		"body", string(body),
	)

	return ok, nil
}

// EncodeQuery renders the bookmark listing parameters in a fixed order:
// tags, search terms, page, conjunction, unavailable.
func EncodeQuery(q domain.Query) string {
	params := make([]string, 0, len(q.Tags)+len(q.Filters)+3)
	for _, tag := range q.Tags {
		params = append(params, "tags[]="+url.QueryEscape(tag))
	}
	for _, term := range q.Filters {
		params = append(params, "search[]="+url.QueryEscape(term))
	}
	params = append(params,
		"page=-1",
		"conjunction=or",
		"unavailable="+strconv.FormatBool(q.Unavailable),
	)
	return strings.Join(params, "&")
}

func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, requestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("response received",
		"url", requestURL,
		"status", resp.StatusCode,
		"body", string(body),
	)

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return body, nil
}

func (c *Client) do(ctx context.Context, method, requestURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func decodeTags(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tags []string
		if err := json.Unmarshal(trimmed, &tags); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return tags, nil
	}

	var resp tagsResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.Status != statusSuccess {
		return nil, fmt.Errorf("%w: remote status %q", ErrUnexpectedStatus, resp.Status)
	}
	return resp.Data, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
