// Package remote is the atom store adapter for a store served by package
// api. Atom documents are immutable, so GetAtom results are cached and
// concurrent misses for the same handle share one request.
package remote

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
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/i5heu/atomspace/api"
	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
	"github.com/i5heu/atomspace/pkg/query"
	"github.com/i5heu/atomspace/pkg/traverse"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultCacheCost = 100_000
	defaultPageSize  = 100
)

type Client struct {
	base  *url.URL
	http  *http.Client
	log   *slog.Logger
	cache *ristretto.Cache[string, atomdb.AtomDocument]
	group singleflight.Group

	cacheCost int64
}

var _ atomdb.AtomDB = (*Client)(nil)

type Option func(*Client)

// WithTimeout bounds every request. A request running out of time fails
// with atomdb.ErrStoreUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the transport. The client's timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithCacheSize sets how many atom documents are cached.
func WithCacheSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.cacheCost = n
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) { // A
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: invalid url %q: scheme and host required", baseURL)
	}

	c := &Client{
		base:      base,
		http:      &http.Client{Timeout: defaultTimeout},
		log:       slog.Default(),
		cacheCost: defaultCacheCost,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache, err = ristretto.NewCache(&ristretto.Config[string, atomdb.AtomDocument]{
		NumCounters: c.cacheCost * 10,
		MaxCost:     c.cacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: create cache: %w", err)
	}
	return c, nil
}

func (c *Client) Close() error {
	c.cache.Close()
	return nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = params.Encode()
	return u.String()
}

// do sends one request and decodes the JSON response into out.
func (c *Client) do(
	ctx context.Context,
	method, path string,
	params url.Values,
	body any,
	out any,
) error { // A
	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return fmt.Errorf("remote: encode request: %w", err)
			}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", atomdb.ErrStoreUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.decodeError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", atomdb.ErrStoreUnavailable, method, path, err)
	}
	return nil
}

// decodeError maps an error response back onto the sentinel it was produced
// from.
func (c *Client) decodeError(method, path string, resp *http.Response) error {
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	if body.ErrorKind == api.KindMultiplePaths {
		return &traverse.MultiplePathsError{Count: body.Count}
	}
	if sentinel := atomdb.KindError(body.ErrorKind); sentinel != nil {
		return fmt.Errorf("%w: remote: %s", sentinel, body.Error)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s %s: %d %s", atomdb.ErrStoreUnavailable, method, path, resp.StatusCode, body.Error)
	}
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(body.Error, query.ErrInvalidExpression.Error()) {
		return fmt.Errorf("%w: remote: %s", query.ErrInvalidExpression, body.Error)
	}
	return fmt.Errorf("remote: %s %s: %d %s", method, path, resp.StatusCode, body.Error)
}

func (c *Client) remember(doc atomdb.AtomDocument) {
	c.cache.Set(doc.Handle.String(), doc, 1)
	c.cache.Wait()
}

func (c *Client) GetAtom(ctx context.Context, h hasher.Handle) (atomdb.AtomDocument, error) {
	key := h.String()
	if doc, ok := c.cache.Get(key); ok {
		return doc.Clone(), nil
	}

	// The shared fetch outlives any single caller; c.http.Timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		var doc atomdb.AtomDocument
		if err := c.do(fetchCtx, http.MethodGet, "/atoms/"+key, nil, nil, &doc); err != nil {
			return nil, err
		}
		c.remember(doc)
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return atomdb.AtomDocument{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return atomdb.AtomDocument{}, res.Err
		}
		if res.Shared {
			c.log.Debug("shared atom fetch", "handle", key)
		}
		return res.Val.(atomdb.AtomDocument).Clone(), nil
	}
}

func (c *Client) GetNode(ctx context.Context, nodeType, name string) (atomdb.AtomDocument, error) {
	if doc, ok := c.cache.Get(atomdb.NodeHandle(nodeType, name).String()); ok && doc.IsNodeNamed(nodeType, name) {
		return doc.Clone(), nil
	}
	var doc atomdb.AtomDocument
	path := "/nodes/" + url.PathEscape(nodeType) + "/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return atomdb.AtomDocument{}, err
	}
	c.remember(doc)
	return doc, nil
}

func (c *Client) GetLink(
	ctx context.Context,
	linkType string,
	targets []hasher.Handle,
) (atomdb.AtomDocument, error) {
	if doc, ok := c.cache.Get(atomdb.LinkHandle(linkType, targets...).String()); ok && doc.IsLinkOf(linkType, targets) {
		return doc.Clone(), nil
	}
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = t.String()
	}
	var doc atomdb.AtomDocument
	params := url.Values{"targets": {strings.Join(parts, ",")}}
	if err := c.do(ctx, http.MethodGet, "/links/"+url.PathEscape(linkType), params, nil, &doc); err != nil {
		return atomdb.AtomDocument{}, err
	}
	c.remember(doc)
	return doc, nil
}

func (c *Client) GetIncomingLinks(
	ctx context.Context,
	h hasher.Handle,
	opts atomdb.IncomingOptions,
) ([]atomdb.IncomingLink, error) {
	params := url.Values{
		"handles_only":     {strconv.FormatBool(opts.HandlesOnly)},
		"targets_document": {strconv.FormatBool(opts.TargetsDocument)},
	}
	var links []atomdb.IncomingLink
	if err := c.do(ctx, http.MethodGet, "/atoms/"+h.String()+"/incoming", params, nil, &links); err != nil {
		return nil, err
	}
	return links, nil
}

func pageValues(req atomdb.PageRequest) url.Values {
	params := url.Values{"offset": {strconv.Itoa(req.Offset)}}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	return params
}

func (c *Client) GetLinksByType(ctx context.Context, linkType string, req atomdb.PageRequest) (atomdb.Page, error) {
	params := pageValues(req)
	params.Set("type", linkType)
	var page atomdb.Page
	if err := c.do(ctx, http.MethodGet, "/links", params, nil, &page); err != nil {
		return atomdb.Page{}, err
	}
	return page, nil
}

func (c *Client) GetAllNodes(ctx context.Context, nodeType string, req atomdb.PageRequest) (atomdb.Page, error) {
	params := pageValues(req)
	if nodeType != "" {
		params.Set("type", nodeType)
	}
	var page atomdb.Page
	if err := c.do(ctx, http.MethodGet, "/nodes", params, nil, &page); err != nil {
		return atomdb.Page{}, err
	}
	return page, nil
}

func (c *Client) add(ctx context.Context, path string, in atomdb.AtomInput) (hasher.Handle, error) {
	var resp api.HandleResponse
	if err := c.do(ctx, http.MethodPost, path, nil, in, &resp); err != nil {
		return hasher.Handle{}, err
	}
	h, err := hasher.ParseHandle(resp.Handle)
	if err != nil {
		return hasher.Handle{}, fmt.Errorf("%w: bad handle in response: %w", atomdb.ErrStoreUnavailable, err)
	}
	return h, nil
}

func (c *Client) AddNode(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	return c.add(ctx, "/nodes", in)
}

func (c *Client) AddLink(ctx context.Context, in atomdb.AtomInput) (hasher.Handle, error) {
	return c.add(ctx, "/links", in)
}

func (c *Client) CountAtoms(ctx context.Context) (atomdb.Counts, error) {
	var counts atomdb.Counts
	if err := c.do(ctx, http.MethodGet, "/count", nil, nil, &counts); err != nil {
		return atomdb.Counts{}, err
	}
	return counts, nil
}

// Query evaluates expr on the server. Answers are fetched pageSize at a time
// as the iterator advances; pages already fetched are kept for Rewind.
func (c *Client) Query(
	ctx context.Context,
	expr query.Expression,
	format query.OutputFormat,
	pageSize int,
) (*iterator.PagedIterator[query.Answer], error) {
	body, err := query.MarshalExpression(expr)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	source := iterator.PageFunc[query.Answer](func(ctx context.Context, offset int) ([]query.Answer, int, bool, error) {
		params := url.Values{
			"format": {format.String()},
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(pageSize)},
		}
		var page api.QueryPage
		if err := c.do(ctx, http.MethodPost, "/query", params, body, &page); err != nil {
			return nil, 0, false, err
		}
		return page.Answers, page.Next, page.Done, nil
	})
	return iterator.NewPagedIterator[query.Answer](ctx, source), nil
}

// Follow takes one server-side random-walk step from h.
func (c *Client) Follow(
	ctx context.Context,
	h hasher.Handle,
	opts traverse.FollowOptions,
) (hasher.Handle, bool, error) {
	if opts.Filter != nil {
		return hasher.Handle{}, false, errors.New("remote: predicates cannot be sent to the server")
	}
	req := api.FollowRequest{LinkType: opts.LinkType, TargetType: opts.TargetType, UniquePath: opts.UniquePath}
	var resp api.FollowResponse
	if err := c.do(ctx, http.MethodPost, "/traverse/"+h.String()+"/follow", nil, req, &resp); err != nil {
		return hasher.Handle{}, false, err
	}
	next, err := hasher.ParseHandle(resp.Handle)
	if err != nil {
		return hasher.Handle{}, false, fmt.Errorf("%w: bad handle in response: %w", atomdb.ErrStoreUnavailable, err)
	}
	return next, resp.Moved, nil
}

// Search returns the handles of nodes whose name contains substring.
func (c *Client) Search(ctx context.Context, nodeType, substring string) ([]hasher.Handle, error) {
	params := url.Values{"q": {substring}}
	if nodeType != "" {
		params.Set("type", nodeType)
	}
	var resp api.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/search", params, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]hasher.Handle, len(resp.Handles))
	for i, s := range resp.Handles {
		h, err := hasher.ParseHandle(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad handle in response: %w", atomdb.ErrStoreUnavailable, err)
		}
		out[i] = h
	}
	return out, nil
}
