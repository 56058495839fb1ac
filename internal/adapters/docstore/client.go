// Package docstore is an HTTP client for the remote document store.
package docstore

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
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

const (
	maxResponseBodyBytes = 1 << 20
	maxErrorBodyBytes    = 512
	defaultIDPath        = "id"
)

// Options configures a Client.
type Options struct {
	BaseURL    string       // Required
	APIKey     string       // Optional: sent as a bearer token when no OAuth client is configured
	IDPath     string       // Optional: JMESPath locating the new document ID in insert responses
	HTTPClient *http.Client // Optional: defaults to a client with Timeout
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client implements core.DocumentStore over a JSON HTTP API:
//
//	POST  {base}/collections/{collection}/documents
//	GET   {base}/collections/{collection}/documents/{id}
//	PATCH {base}/collections/{collection}/documents/{id}
type Client struct {
	base   *url.URL
	apiKey string
	idPath string
	http   *http.Client
	logger *slog.Logger
}

// NewClient constructs a Client.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("document store base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid document store base URL %q", opts.BaseURL)
	}

	idPath := strings.TrimSpace(opts.IDPath)
	if idPath == "" {
		idPath = defaultIDPath
	}
	if _, err := jmespath.Compile(idPath); err != nil {
		return nil, fmt.Errorf("invalid id path %q: %w", idPath, err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:   base,
		apiKey: opts.APIKey,
		idPath: idPath,
		http:   hc,
		logger: logger.With("component", "docstore"),
	}, nil
}

// NewFromConfig builds a Client from configuration. With OAuth settings present the
// HTTP client fetches and refreshes client-credentials tokens itself.
func NewFromConfig(ctx context.Context, cfg config.DocStoreConfig, logger *slog.Logger) (*Client, error) {
	opts := Options{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		IDPath:  cfg.IDPath,
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
	if cfg.UsesOAuth() {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		hc := cc.Client(ctx)
		hc.Timeout = cfg.Timeout
		opts.HTTPClient = hc
		opts.APIKey = ""
	}
	return NewClient(opts)
}

// Insert stores doc and returns the ID assigned by the store.
func (c *Client) Insert(ctx context.Context, doc core.Document) (string, error) {
	if err := validateCollection(doc.Collection); err != nil {
		return "", err
	}
	if len(doc.Data) == 0 || !json.Valid(doc.Data) {
		return "", apperrors.ValidationField("data", "document data must be valid JSON")
	}

	body, err := c.do(ctx, http.MethodPost, c.documentsURL(doc.Collection), doc.Data)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", doc.Collection, err)
	}

	id, err := c.extractID(body)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", doc.Collection, err)
	}
	c.logger.DebugContext(ctx, "document inserted", "collection", doc.Collection, "id", id)
	return id, nil
}

// Get fetches one document.
func (c *Client) Get(ctx context.Context, collection, id string) (*core.Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "document id is required")
	}

	body, err := c.do(ctx, http.MethodGet, c.documentURL(collection, id), nil)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if !json.Valid(body) {
		return nil, apperrors.Validationf("get %s/%s: response is not valid JSON", collection, id)
	}
	return &core.Document{ID: id, Collection: collection, Data: json.RawMessage(body)}, nil
}

// Patch merges data into an existing document.
func (c *Client) Patch(ctx context.Context, collection, id string, data json.RawMessage) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return apperrors.ValidationField("id", "document id is required")
	}
	if len(data) == 0 || !json.Valid(data) {
		return apperrors.ValidationField("data", "patch data must be valid JSON")
	}

	if _, err := c.do(ctx, http.MethodPatch, c.documentURL(collection, id), data); err != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, id, err)
	}
	return nil
}

func (c *Client) documentsURL(collection string) string {
	return c.base.JoinPath("collections", collection, "documents").String()
}

func (c *Client) documentURL(collection, id string) string {
	return c.base.JoinPath("collections", collection, "documents", id).String()
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.DebugContext(ctx, "close response body", "error", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) extractID(body []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", &MalformedResponseError{Err: fmt.Errorf("decode insert response: %w", err)}
	}
	v, err := jmespath.Search(c.idPath, decoded)
	if err != nil {
		return "", &MalformedResponseError{Err: fmt.Errorf("extract document id: %w", err)}
	}
	switch id := v.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	}
	return "", &MalformedResponseError{Err: fmt.Errorf("insert response has no document id at %q", c.idPath)}
}

// MalformedResponseError reports a 2xx response the client could not interpret.
// The write may have been applied, so it is never retried.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string { return e.Err.Error() }

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Retryable implements retry.Marker.
func (e *MalformedResponseError) Retryable() bool { return false }

// StatusError maps an HTTP status to an AppError code the retry classifier understands.
// 408, 429 and 5xx are transient; other 4xx responses are terminal.
func StatusError(status int, body []byte) error {
	msg := fmt.Sprintf("document store returned %d", status)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		msg += ": " + snippet
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(msg)
	case status == http.StatusForbidden:
		return apperrors.PermissionDenied(msg)
	case status == http.StatusNotFound:
		return apperrors.NotFound(msg)
	case status == http.StatusConflict:
		return apperrors.Conflict(msg)
	case status == http.StatusRequestTimeout:
		return apperrors.Unavailable(msg)
	case status == http.StatusTooManyRequests:
		return apperrors.RateLimited(msg)
	case status >= 500:
		return apperrors.Unavailable(msg)
	default:
		return apperrors.Validation(msg)
	}
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("document store request: %w", ctxErr)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "document store unreachable")
}

func validateCollection(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/?#") {
		return apperrors.ValidationField("collection", fmt.Sprintf("invalid collection name %q", name))
	}
	return nil
}
