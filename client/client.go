// Package client is a Go client for the engage HTTP API.
package client

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
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. Kind is the server's error code, such as
// "already_held" or "quota_exceeded".
type APIError struct {
	Status     int      `json:"-"`
	Kind       string   `json:"error"`
	Message    string   `json:"message,omitempty"`
	Holder     string   `json:"holder,omitempty"`
	Context    string   `json:"context,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	ReenableAt string   `json:"reenable_at,omitempty"`
	Details    []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
}

// ErrorKind returns the server error code carried by err, or "" if err is
// not an *APIError.
func ErrorKind(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func (c *Client) TryAcquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	body := struct {
		AcquireRequest
		TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	}{req, int64(req.TTL / time.Second)}
	var out AcquireResult
	err := c.do(ctx, http.MethodPost, "/api/engage/try", body, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, subject, requester string, extend time.Duration) (Lock, error) {
	body := map[string]any{
		"subject":        subject,
		"requester":      requester,
		"extend_seconds": int64(extend / time.Second),
	}
	var out Lock
	err := c.do(ctx, http.MethodPost, "/api/engage/heartbeat", body, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	body := struct {
		ReleaseRequest
		RecordHistory *bool `json:"record_history,omitempty"`
	}{ReleaseRequest: req}
	if req.SkipHistory {
		record := false
		body.RecordHistory = &record
	}
	var out ReleaseResult
	err := c.do(ctx, http.MethodPost, "/api/engage/release", body, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, subject string) (Lock, error) {
	var out Lock
	err := c.do(ctx, http.MethodGet, "/api/engage/status/"+url.PathEscape(subject), nil, &out)
	return out, err
}

// Busy lists the currently held, unexpired locks.
func (c *Client) Busy(ctx context.Context) ([]Lock, error) {
	var out struct {
		Locks []Lock `json:"locks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/engage/busy", nil, &out)
	return out.Locks, err
}

// Allocate requests d of busy time for subject. The grant may be shorter
// than requested when little quota remains.
func (c *Client) Allocate(ctx context.Context, subject, requester string, d time.Duration) (Grant, error) {
	body := map[string]any{
		"subject":     subject,
		"requester":   requester,
		"duration_ms": d.Milliseconds(),
	}
	var out Grant
	err := c.do(ctx, http.MethodPost, "/api/busy/allocate", body, &out)
	return out, err
}

func (c *Client) ReleaseAllocation(ctx context.Context, id string) (Allocation, error) {
	var out Allocation
	err := c.do(ctx, http.MethodPost, "/api/busy/release", map[string]string{"allocation_id": id}, &out)
	return out, err
}

func (c *Client) QuotaStatus(ctx context.Context, subject string) (QuotaStatus, error) {
	var out QuotaStatus
	err := c.do(ctx, http.MethodGet, "/api/busy/status/"+url.PathEscape(subject), nil, &out)
	return out, err
}

func (c *Client) Enable(ctx context.Context, subject string) (QuotaStatus, error) {
	var out QuotaStatus
	err := c.do(ctx, http.MethodPost, "/api/busy/enable", map[string]string{"subject": subject}, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	values := url.Values{}
	set := func(k, v string) {
		if v != "" {
			values.Set(k, v)
		}
	}
	set("id", q.ID)
	set("role", q.Role)
	set("subject", q.Subject)
	set("holder", q.Holder)
	set("party", q.Party)
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Records []HistoryRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/api/history?"+values.Encode(), nil, &out)
	return out.Records, err
}

func (c *Client) UpsertListing(ctx context.Context, l Listing) (Listing, error) {
	body := map[string]string{"id": l.ID, "subject": l.Subject, "title": l.Title}
	var out Listing
	err := c.do(ctx, http.MethodPost, "/api/listings", body, &out)
	return out, err
}

// Listings returns listings for subject, or all listings when subject is empty.
func (c *Client) Listings(ctx context.Context, subject string) ([]Listing, error) {
	path := "/api/listings"
	if subject != "" {
		path += "?subject=" + url.QueryEscape(subject)
	}
	var out struct {
		Listings []Listing `json:"listings"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Listings, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Kind == "" {
			apiErr.Kind = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
