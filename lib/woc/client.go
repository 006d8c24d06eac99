package woc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval  = 350 * time.Millisecond
	DefaultQueueSize = 64
	DefaultTimeout   = 30 * time.Second
)

var (
	// ErrNotFound is returned when the explorer explicitly reports that it
	// has nothing for the requested resource.
	ErrNotFound = errors.New("not found on explorer")

	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("explorer client closed")
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	Interval  time.Duration
	QueueSize int
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Client talks to a WhatsOnChain compatible block explorer. All requests
// are executed one at a time by a single worker, spaced by Interval, so the
// explorer's rate limit is never exceeded no matter how many goroutines
// share the client.
type Client struct {
	baseURL  string
	apiKey   string
	interval time.Duration
	http     *http.Client
	log      *zap.Logger

	requests  chan *request
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type request struct {
	ctx         context.Context
	method      string
	url         string
	body        []byte
	contentType string
	accept      string
	reply       chan response
}

type response struct {
	status int
	body   []byte
	err    error
}

// NewClient starts the request worker. Close must be called to stop it.
func NewClient(cfg Config) *Client {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		interval: cfg.Interval,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      cfg.Logger,
		requests: make(chan *request, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// BaseURL returns the explorer root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close stops the worker. Queued requests fail with ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.wg.Wait()
	})
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			c.drain()
			return
		case req := <-c.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- response{err: err}
				continue
			}
			req.reply <- c.do(req)

			timer := time.NewTimer(c.interval)
			select {
			case <-c.quit:
				timer.Stop()
				c.drain()
				return
			case <-timer.C:
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case req := <-c.requests:
			req.reply <- response{err: ErrClosed}
		default:
			return
		}
	}
}

func (c *Client) do(req *request) response {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(req.ctx, req.method, req.url, body)
	if err != nil {
		return response{err: fmt.Errorf("failed to create request: %v", err)}
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug("explorer request failed", zap.String("url", req.url), zap.Error(err))
		return response{err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{err: fmt.Errorf("failed to read response body: %v", err)}
	}
	c.log.Debug("explorer request",
		zap.String("method", req.method),
		zap.String("url", req.url),
		zap.Int("status", resp.StatusCode),
	)
	return response{status: resp.StatusCode, body: data}
}

// send queues a request and waits for the worker's reply.
func (c *Client) send(ctx context.Context, method, route string, body []byte, contentType, accept string) (int, []byte, error) {
	req := &request{
		ctx:         ctx,
		method:      method,
		url:         c.baseURL + route,
		body:        body,
		contentType: contentType,
		accept:      accept,
		reply:       make(chan response, 1),
	}
	select {
	case <-c.quit:
		return 0, nil, ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case resp := <-req.reply:
		return resp.status, resp.body, resp.err
	case <-c.quit:
		select {
		case resp := <-req.reply:
			return resp.status, resp.body, resp.err
		default:
			return 0, nil, ErrClosed
		}
	}
}

func (c *Client) getText(ctx context.Context, route string) (int, []byte, error) {
	return c.send(ctx, http.MethodGet, route, nil, "", "text/plain")
}

func (c *Client) getJSON(ctx context.Context, route string) (int, []byte, error) {
	return c.send(ctx, http.MethodGet, route, nil, "", "application/json")
}

func (c *Client) postJSON(ctx context.Context, route string, body []byte) (int, []byte, error) {
	return c.send(ctx, http.MethodPost, route, body, "application/json", "application/json")
}

// isFailureBody reports whether a response body is one of the explorer's
// plain text failure answers.
func isFailureBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 ||
		bytes.HasPrefix(trimmed, []byte("failed")) ||
		bytes.Equal(trimmed, []byte("null"))
}

func statusError(route string, status int, body []byte) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", route, ErrNotFound)
	}
	return fmt.Errorf("%s: explorer returned status %d: %s", route, status, strings.TrimSpace(string(body)))
}
