package store

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

// HTTPOption configures an HTTP store.
type HTTPOption func(*HTTP)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithSearchParam sets the query parameter used for free-text search.
func WithSearchParam(name string) HTTPOption {
	return func(h *HTTP) { h.searchParam = name }
}

// WithBearerToken sends token in the Authorization header of every request.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTP) { h.token = token }
}

// HTTP is a Store backed by a json-server style REST API:
//
//	GET    /{collection}                list
//	GET    /{collection}/{id}           get
//	GET    /{collection}?{field}={v}    query
//	POST   /{collection}                create
//	PATCH  /{collection}/{id}           partial update
//	PUT    /{collection}/{id}           replace
//	DELETE /{collection}/{id}           delete
//
// Nested collection paths are appended as-is.
type HTTP struct {
	base        *url.URL
	client      *http.Client
	searchParam string
	token       string
}

// NewHTTP returns a store rooted at baseURL.
func NewHTTP(baseURL string, timeout time.Duration, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store url must be http or https, got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &HTTP{
		base:        u,
		client:      &http.Client{Timeout: timeout},
		searchParam: "search",
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *HTTP) List(ctx context.Context, collection string) ([]Record, error) {
	return h.list(ctx, collection, nil)
}

func (h *HTTP) Get(ctx context.Context, collection, id string) (Record, error) {
	var out interface{}
	if err := h.do(ctx, http.MethodGet, h.path(collection, id), nil, nil, &out); err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrUnusableResponse)
	}
	return Record(m), nil
}

func (h *HTTP) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	recs, err := h.list(ctx, collection, url.Values{field: {value}})
	if err != nil {
		return nil, err
	}
	// Servers that ignore unknown filters return the whole collection.
	out := recs[:0]
	for _, r := range recs {
		if Matches(r, field, value) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *HTTP) Search(ctx context.Context, collection, term string) ([]Record, error) {
	recs, err := h.list(ctx, collection, url.Values{h.searchParam: {term}})
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if ContainsFold(r, term) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *HTTP) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	return h.write(ctx, http.MethodPost, h.path(collection, ""), rec)
}

func (h *HTTP) Patch(ctx context.Context, collection, id string, partial Record) (Record, error) {
	return h.write(ctx, http.MethodPatch, h.path(collection, id), partial)
}

func (h *HTTP) Replace(ctx context.Context, collection, id string, rec Record) (Record, error) {
	return h.write(ctx, http.MethodPut, h.path(collection, id), rec)
}

func (h *HTTP) Delete(ctx context.Context, collection, id string) error {
	return h.do(ctx, http.MethodDelete, h.path(collection, id), nil, nil, nil)
}

func (h *HTTP) list(ctx context.Context, collection string, q url.Values) ([]Record, error) {
	var out interface{}
	if err := h.do(ctx, http.MethodGet, h.path(collection, ""), q, nil, &out); err != nil {
		return nil, err
	}
	recs, ok := Records(out)
	if !ok {
		return nil, fmt.Errorf("list %s: %w", collection, ErrUnusableResponse)
	}
	return recs, nil
}

func (h *HTTP) write(ctx context.Context, method, path string, rec Record) (Record, error) {
	var out interface{}
	if err := h.do(ctx, method, path, nil, rec, &out); err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnusableResponse)
	}
	return Record(m), nil
}

// path returns the escaped resource path. Each segment is escaped on its
// own so an id carrying "/" or ".." stays a single segment.
func (h *HTTP) path(collection, id string) string {
	segs := splitPath(collection)
	if id != "" {
		segs = append(segs, id)
	}
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/" + strings.Join(segs, "/")
}

func (h *HTTP) do(ctx context.Context, method, path string, q url.Values, body Record, out interface{}) error {
	u := *h.base
	rawPath := strings.TrimRight(h.base.EscapedPath(), "/") + path
	unescaped, err := url.PathUnescape(rawPath)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	u.Path, u.RawPath = unescaped, rawPath
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%s %s: empty body: %w", method, path, ErrUnusableResponse)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnusableResponse)
	}
	return nil
}
