// Package httpclient provides the pooled HTTP client used as the fetch cache's network transport.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Config defines HTTP client configuration
type Config struct {
	// Transport settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeout is the hard ceiling for a whole exchange. Per-attempt timeouts are
	// enforced by the caller's context and should be shorter.
	Timeout time.Duration

	// Connection settings
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	KeepAlive           time.Duration

	InsecureSkipVerify bool

	// UserAgent is sent when the request carries none.
	UserAgent string
	// BearerToken, when set, is sent as the Authorization header of requests that carry none.
	BearerToken string

	EnableMetrics bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     0, // No limit
		IdleConnTimeout:     90 * time.Second,
		Timeout:             30 * time.Second,
		DialTimeout:         5 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAlive:           30 * time.Second,
		UserAgent:           "hashnav/1",
		EnableMetrics:       true,
	}
}

// Client is an HTTP client with connection pooling and metrics
type Client struct {
	*http.Client
	config  Config
	metrics *metrics
}

type metrics struct {
	totalRequests     atomic.Int64
	totalResponses    atomic.Int64
	totalErrors       atomic.Int64
	totalResponseTime atomic.Int64
	statusCodes       sync.Map // map[int]*atomic.Int64
}

// Metrics is a snapshot of client counters.
type Metrics struct {
	TotalRequests       int64
	TotalResponses      int64
	TotalErrors         int64
	AverageResponseTime time.Duration
	StatusCodes         map[int]int64
}

// New creates a new HTTP client with connection pooling
func New(config Config) *Client {
	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: config.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify,
		},
	}

	return &Client{
		Client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config:  config,
		metrics: &metrics{},
	}
}

// NewDefault creates a new HTTP client with default configuration
func NewDefault() *Client {
	return New(DefaultConfig())
}

// Do performs an HTTP request with metrics tracking.
// The request's context governs cancellation of the exchange.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.BearerToken != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}

	if !c.config.EnableMetrics {
		return c.Client.Do(req)
	}

	c.metrics.totalRequests.Add(1)
	start := time.Now()
	resp, err := c.Client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.totalErrors.Add(1)
		return resp, err
	}
	c.metrics.totalResponses.Add(1)
	c.metrics.totalResponseTime.Add(elapsed.Nanoseconds())
	c.trackStatusCode(resp.StatusCode)
	return resp, nil
}

// Metrics returns current client metrics
func (c *Client) Metrics() Metrics {
	out := Metrics{StatusCodes: make(map[int]int64)}
	if !c.config.EnableMetrics {
		return out
	}

	out.TotalRequests = c.metrics.totalRequests.Load()
	out.TotalResponses = c.metrics.totalResponses.Load()
	out.TotalErrors = c.metrics.totalErrors.Load()
	if out.TotalResponses > 0 {
		out.AverageResponseTime = time.Duration(c.metrics.totalResponseTime.Load() / out.TotalResponses)
	}

	c.metrics.statusCodes.Range(func(key, value any) bool {
		out.StatusCodes[key.(int)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (c *Client) trackStatusCode(code int) {
	val, _ := c.metrics.statusCodes.LoadOrStore(code, new(atomic.Int64))
	val.(*atomic.Int64).Add(1)
}

// Close closes idle connections
func (c *Client) Close() {
	c.Client.CloseIdleConnections()
}
