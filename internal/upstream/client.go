// Package upstream talks to the remote API and the static site origin.
//
// It reports exactly two failure kinds: no response at all
// (KindTransportFailure) and a response that indicates failure
// (KindServerError). Forward never returns a server error; any response,
// whatever its status, is handed back unmodified.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Origin selects which upstream a request is sent to.
type Origin int

const (
	// OriginAPI is the remote data API (restaurants, reviews).
	OriginAPI Origin = iota + 1
	// OriginSite serves the app shell and images.
	OriginSite
)

func (o Origin) String() string {
	switch o {
	case OriginAPI:
		return "api"
	case OriginSite:
		return "site"
	default:
		return "unknown"
	}
}

// Outcome is reported after every upstream round trip.
// reachable is false only for transport failures.
type Outcome func(origin Origin, reachable bool)

// Client sends requests to the upstream origins.
type Client struct {
	api     *url.URL
	site    *url.URL
	http    *http.Client
	logger  *slog.Logger
	outcome Outcome
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithOutcome registers a callback invoked after every round trip.
func WithOutcome(fn Outcome) Option {
	return func(c *Client) { c.outcome = fn }
}

// New creates a client for the given API and site base URLs.
func New(apiBase, siteBase string, opts ...Option) (*Client, error) {
	api, err := parseBase(apiBase)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	site, err := parseBase(siteBase)
	if err != nil {
		return nil, fmt.Errorf("site url: %w", err)
	}
	c := &Client{
		api:    api,
		site:   site,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// APIBase returns the API base URL.
func (c *Client) APIBase() string { return c.api.String() }

// SiteBase returns the site base URL.
func (c *Client) SiteBase() string { return c.site.String() }

// Resolve turns a request URI or relative manifest entry into an absolute
// URL on origin. Absolute URLs are returned unchanged.
func (c *Client) Resolve(origin Origin, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	base := *c.base(origin)
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	base.Path += r.Path
	base.RawPath = ""
	base.RawQuery = r.RawQuery
	return base.String(), nil
}

func (c *Client) base(origin Origin) *url.URL {
	if origin == OriginSite {
		return c.site
	}
	return c.api
}

// Request is an intercepted request to replay upstream. Body is held in
// memory so the dispatcher can still use it for a fallback.
type Request struct {
	Method     string
	RequestURI string // path and query
	Header     http.Header
	Body       []byte
}

// hopHeaders are connection-scoped and not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	// The transport negotiates compression itself and hands back a
	// decoded body the dispatcher can mirror.
	"Accept-Encoding",
}

// Forward sends req to origin. Any response is returned as is; the caller
// must close its body. The only error is a transport failure.
func (c *Client) Forward(ctx context.Context, origin Origin, req Request) (*http.Response, error) {
	target, err := c.Resolve(origin, req.RequestURI)
	if err != nil {
		return nil, &Error{Kind: KindTransportFailure, Op: "forward", URL: req.RequestURI, Err: err}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindTransportFailure, Op: "forward", URL: target, Err: err}
	}
	for k, vs := range req.Header {
		out.Header[k] = append([]string(nil), vs...)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	return c.do(origin, "forward", out)
}

// do executes req and reports reachability.
func (c *Client) do(origin Origin, op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.report(origin, false)
		c.logger.Debug("upstream unreachable", "op", op, "url", req.URL.String(), "error", err)
		return nil, &Error{Kind: KindTransportFailure, Op: op, URL: req.URL.String(), Err: err}
	}
	c.report(origin, true)
	c.logger.Debug("upstream response",
		"op", op,
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}

func (c *Client) report(origin Origin, reachable bool) {
	if c.outcome != nil {
		c.outcome(origin, reachable)
	}
}

// Fetch GETs a site asset or absolute URL and reads the whole body.
// A non-2xx response is a server error.
func (c *Client) Fetch(ctx context.Context, ref string) (status int, header http.Header, body []byte, err error) {
	target, err := c.Resolve(OriginSite, ref)
	if err != nil {
		return 0, nil, nil, &Error{Kind: KindTransportFailure, Op: "fetch", URL: ref, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, &Error{Kind: KindTransportFailure, Op: "fetch", URL: target, Err: err}
	}
	resp, err := c.do(OriginSite, "fetch", req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, &Error{Kind: KindTransportFailure, Op: "fetch", URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, resp.Header, body, &Error{Kind: KindServerError, Op: "fetch", URL: target, Status: resp.StatusCode}
	}
	return resp.StatusCode, resp.Header, body, nil
}

// PostReview submits a review payload and returns the server-confirmed
// record, which carries the server-assigned id.
func (c *Client) PostReview(ctx context.Context, payload []byte) (model.Review, error) {
	var confirmed model.Review
	if err := c.sendJSON(ctx, "post review", http.MethodPost, "/reviews/", payload, &confirmed); err != nil {
		return model.Review{}, err
	}
	if confirmed.ID <= 0 {
		return model.Review{}, &Error{Kind: KindServerError, Op: "post review", URL: c.api.String() + "/reviews/",
			Err: fmt.Errorf("response carries no server id")}
	}
	return confirmed, nil
}

// PutFavorite sets the favorite flag of a restaurant and returns the
// updated record.
func (c *Client) PutFavorite(ctx context.Context, id int64, favorite bool) (model.Restaurant, error) {
	uri := "/restaurants/" + strconv.FormatInt(id, 10) + "/?is_favorite=" + strconv.FormatBool(favorite)
	var updated model.Restaurant
	if err := c.sendJSON(ctx, "put favorite", http.MethodPut, uri, nil, &updated); err != nil {
		return model.Restaurant{}, err
	}
	return updated, nil
}

func (c *Client) sendJSON(ctx context.Context, op, method, uri string, payload []byte, out any) error {
	target, err := c.Resolve(OriginAPI, uri)
	if err != nil {
		return &Error{Kind: KindTransportFailure, Op: op, URL: uri, Err: err}
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Kind: KindTransportFailure, Op: op, URL: target, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(OriginAPI, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindServerError, Op: op, URL: target, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServerError, Op: op, URL: target, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Ping checks whether the API origin answers at all. Any response counts
// as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.api.String()+"/", nil)
	if err != nil {
		return &Error{Kind: KindTransportFailure, Op: "ping", URL: c.api.String(), Err: err}
	}
	resp, err := c.do(OriginAPI, "ping", req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
