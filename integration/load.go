package integration

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxReconnectBackoff = 5 * time.Second

// LoadStats summarises a stream load run.
type LoadStats struct {
	Attempts uint64
	Failures uint64
	Events   uint64
}

// FailureRate is the share of connection attempts that failed.
func (s LoadStats) FailureRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Attempts)
}

// StreamLoad holds conns concurrent SSE connections to path until ctx is
// done, reconnecting with backoff, and counts received data frames.
func StreamLoad(ctx context.Context, c *Client, path string, conns int) LoadStats {
	var attempts, failures, events atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for range conns {
		g.Go(func() error {
			backoff := 100 * time.Millisecond
			for ctx.Err() == nil {
				attempts.Add(1)
				n, err := streamOnce(ctx, c, path)
				events.Add(n)
				if ctx.Err() != nil {
					return nil
				}
				if err == nil {
					backoff = 100 * time.Millisecond
				}
				failures.Add(1)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxReconnectBackoff)
			}
			return nil
		})
	}
	_ = g.Wait()
	return LoadStats{Attempts: attempts.Load(), Failures: failures.Load(), Events: events.Load()}
}

// streamOnce reads one connection until it ends. A connection that ends
// while ctx is live counts as a failure in the caller.
func streamOnce(ctx context.Context, c *Client, path string) (uint64, error) {
	req, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}
	var n uint64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") {
			n++
		}
	}
	return n, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }
