// Package api is a typed client for a running offsync proxy: the read,
// write and subscription surface a UI uses.
package api

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
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/offsync/internal/dispatch"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/proxy"
	"github.com/roach88/offsync/internal/reconcile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response from the proxy.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to the proxy at BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// OnResponse, if set, sees the status and source header of every
	// response.
	OnResponse func(status int, source string)
}

// New returns a client for baseURL with default transports.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ListRestaurants returns every restaurant.
func (c *Client) ListRestaurants(ctx context.Context) ([]model.Restaurant, error) {
	var out []model.Restaurant
	if err := c.do(ctx, http.MethodGet, "/restaurants", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRestaurant returns one restaurant, found in the full list.
func (c *Client) GetRestaurant(ctx context.Context, id int64) (model.Restaurant, error) {
	all, err := c.ListRestaurants(ctx)
	if err != nil {
		return model.Restaurant{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return model.Restaurant{}, fmt.Errorf("restaurant %d: %w", id, ErrNotFound)
}

// ListReviews returns the reviews of one restaurant, deferred ones
// included while they are pending.
func (c *Client) ListReviews(ctx context.Context, restaurantID int64) ([]model.Review, error) {
	var out []model.Review
	uri := "/reviews/?restaurant_id=" + strconv.FormatInt(restaurantID, 10)
	if err := c.do(ctx, http.MethodGet, uri, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitReview posts a new review. The returned record carries either a
// server id or, when the write was deferred, a negative local id.
func (c *Client) SubmitReview(ctx context.Context, r model.Review) (model.Review, error) {
	r.ID = 0
	payload, err := r.Payload()
	if err != nil {
		return model.Review{}, err
	}
	var out model.Review
	if err := c.do(ctx, http.MethodPost, "/reviews/", payload, &out); err != nil {
		return model.Review{}, err
	}
	return out, nil
}

// SetFavorite sets a restaurant's favorite flag.
func (c *Client) SetFavorite(ctx context.Context, id int64, favorite bool) (model.Restaurant, error) {
	var out model.Restaurant
	uri := "/restaurants/" + strconv.FormatInt(id, 10) + "/?is_favorite=" + strconv.FormatBool(favorite)
	if err := c.do(ctx, http.MethodPut, uri, nil, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return model.Restaurant{}, fmt.Errorf("restaurant %d: %w", id, ErrNotFound)
		}
		return model.Restaurant{}, err
	}
	return out, nil
}

// Sync runs one reconciliation pass and returns its report.
func (c *Client) Sync(ctx context.Context) (reconcile.Report, error) {
	var out reconcile.Report
	if err := c.do(ctx, http.MethodPost, proxy.SyncPath+"?wait=true", nil, &out); err != nil {
		return reconcile.Report{}, err
	}
	return out, nil
}

// Status returns the proxy status.
func (c *Client) Status(ctx context.Context) (proxy.Status, error) {
	var out proxy.Status
	if err := c.do(ctx, http.MethodGet, proxy.StatusPath, nil, &out); err != nil {
		return proxy.Status{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, uri string, payload []byte, out any) error {
	target := c.BaseURL + uri
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if c.OnResponse != nil {
		c.OnResponse(resp.StatusCode, resp.Header.Get(dispatch.SourceHeader))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, target, err)
	}
	return nil
}

// Subscription is a live notification stream.
type Subscription struct {
	// Events delivers each notification once. It is closed when the
	// connection ends.
	Events <-chan notify.Event

	conn *websocket.Conn
	done chan struct{}
	// stopped is closed once the cancellation watcher has returned.
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// RequestSync asks the proxy to run a reconciliation pass.
func (s *Subscription) RequestSync() error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(notify.SyncMessage))
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Subscribe opens the notification stream. Duplicate deliveries are
// filtered out. The subscription ends when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	u, err := url.Parse(c.BaseURL + proxy.EventsPath)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", u, err)
	}

	events := make(chan notify.Event, notify.DefaultBuffer)
	sub := &Subscription{
		Events:  events,
		conn:    conn,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(sub.stopped)
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	go func() {
		defer close(events)
		dedup := notify.NewDeduper(0)
		for {
			var ev notify.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if dedup.Seen(ev) {
				continue
			}
			select {
			case events <- ev:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}
