package fetchcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/pkg/circuitbreaker"
	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
	"github.com/yshengliao/hashnav/pkg/pool"
	"github.com/yshengliao/hashnav/pkg/retry"
)

// bodies holds read buffers shared by every cache; bodies over 1MiB are not retained.
var bodies = pool.NewBuffers(1 << 20)

func (c *Cache) fetch(ctx context.Context, req Request) ([]byte, int, error) {
	var data []byte
	opts := append([]retry.Option{
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			c.logger.Info("retrying",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	}, c.retryOpts...)

	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		body, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		data = body
		return nil
	}, opts...)
	if err != nil {
		var fe *fetcherr.FetchError
		if errors.As(err, &fe) && fe.URL == "" {
			fe.URL = req.URL
		}
		return nil, attempts, err
	}
	return data, attempts, nil
}

// attempt performs one exchange. The body is read under ctx so the attempt timeout covers it.
func (c *Cache) attempt(ctx context.Context, req Request) ([]byte, error) {
	c.stats.networkCalls.Add(1)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if hr.Header.Get("Accept") == "" {
		hr.Header.Set("Accept", "application/json")
	}

	resp, err := c.transport.Do(hr)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fetcherr.Status(req.URL, resp.StatusCode)
	}
	return bodies.ReadAll(resp.Body)
}
