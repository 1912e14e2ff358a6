// Package storeclient is the one concrete implementation of the
// remote document store's interface from spec.md §6 (create/update/get
// plus a snapshot stream). It satisfies forward.StoreClient for the
// Forwarder and locationcfg.SnapshotSource for the Config Subscriber,
// the two narrow interfaces those packages define to avoid depending
// on a transport directly.
//
// The store is specified only as "an SDK or REST endpoint"; no SDK is
// named in the examples this pipeline was grounded on, so this client
// speaks plain REST over net/http, with the snapshot stream read as
// newline-delimited JSON over a long-lived GET — a deliberate Open
// Question resolution recorded in DESIGN.md.
package storeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/forward"
	"github.com/rfidops/ingestpipe/internal/locationcfg"
)

// TokenSource is the subset of auth.Manager the client needs; kept
// narrow so this package never imports internal/auth directly and the
// composition root is free to wire whatever satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the remote document store's REST client.
type Client struct {
	baseURL string
	// httpClient serves Write/Get/Update, the bounded request/response
	// calls, where a 30s timeout is the right guard against a wedged
	// connection.
	httpClient *http.Client
	// streamClient serves Stream, whose GET is meant to stay open for
	// the life of the subscription; httpClient's 30s Timeout would
	// otherwise tear it down and force a reconnect every 30 seconds.
	streamClient *http.Client
	tokens       TokenSource
	logger       *slog.Logger
}

// New builds a Client against baseURL (trailing slash trimmed).
func New(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		tokens:       tokens,
		logger:       logger,
	}
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Write implements forward.StoreClient.Write as create(path, doc)
// (spec.md §6), classifying the transport outcome into the
// StatusClass buckets the Forwarder's retry policy switches on.
func (c *Client) Write(ctx context.Context, targetPath string, payload []byte) forward.Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+targetPath, bytes.NewReader(payload))
	if err != nil {
		return forward.Response{Class: forward.StatusPermanent, Err: fmt.Errorf("storeclient: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return forward.Response{Class: forward.StatusAuthFailure, Err: fmt.Errorf("storeclient: acquire token: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return forward.Response{Class: forward.StatusTransient, Err: fmt.Errorf("storeclient: %s: %w", targetPath, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return forward.Response{Class: classifyStatus(resp.StatusCode), Err: httpStatusErr(resp.StatusCode, targetPath)}
}

func classifyStatus(status int) forward.StatusClass {
	switch {
	case status >= 200 && status < 300:
		return forward.StatusSuccess
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return forward.StatusAuthFailure
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return forward.StatusTransient
	default:
		return forward.StatusPermanent
	}
}

func httpStatusErr(status int, path string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("storeclient: %s returned %d", path, status)
}

// Get implements get(path) from spec.md §6.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("storeclient: build get request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, fmt.Errorf("storeclient: acquire token: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storeclient: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("storeclient: read get %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("storeclient: get %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}

// Update implements update(path, patch, merge=true) from spec.md §6.
func (c *Client) Update(ctx context.Context, path string, patch []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/"+path+"?merge=true", bytes.NewReader(patch))
	if err != nil {
		return fmt.Errorf("storeclient: build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return fmt.Errorf("storeclient: acquire token: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: update %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("storeclient: update %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// Stream implements locationcfg.SnapshotSource.Stream: a long-lived
// GET against the location's config document, read as
// newline-delimited JSON, one core.LocationConfig per line.
func (c *Client) Stream(ctx context.Context, location, companyID string) (<-chan locationcfg.Update, error) {
	q := url.Values{"companyId": []string{companyID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/locations/"+url.PathEscape(location)+"/config/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("storeclient: build stream request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, fmt.Errorf("storeclient: acquire token: %w", err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storeclient: stream %s: %w", location, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("storeclient: stream %s returned %d", location, resp.StatusCode)
	}

	updates := make(chan locationcfg.Update)
	go c.pump(ctx, resp.Body, updates)
	return updates, nil
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, updates chan<- locationcfg.Update) {
	defer close(updates)
	defer body.Close()

	send := func(u locationcfg.Update) bool {
		select {
		case updates <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cfg core.LocationConfig
		if err := json.Unmarshal(line, &cfg); err != nil {
			send(locationcfg.Update{Err: fmt.Errorf("storeclient: decode snapshot line: %w", err)})
			return
		}
		if !send(locationcfg.Update{Config: cfg}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(locationcfg.Update{Err: fmt.Errorf("storeclient: stream read: %w", err)})
	}
}
