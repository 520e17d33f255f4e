package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"devproxy-go/internal/config"
)

// ErrCircuitOpen is returned when the breaker for an upstream host rejects
// a request without contacting it.
var ErrCircuitOpen = errors.New("upstream circuit open")

// breakers holds one circuit breaker per upstream host.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*gobreaker.CircuitBreaker
	threshold uint32
	open      time.Duration
	logger    *slog.Logger
}

func newBreakers(cfg config.CircuitBreakerConfig, logger *slog.Logger) *breakers {
	if !cfg.Enabled {
		return nil
	}
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return &breakers{
		byHost:    make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold), //nolint:gosec // validated non-negative
		open:      time.Duration(cfg.OpenSeconds) * time.Second,
		logger:    logger,
	}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    b.open,
		Timeout:     b.open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= b.threshold && ratio >= 0.5
		},
		// A client that went away says nothing about the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.byHost[host] = cb
	return cb
}

// serverStatusError marks a 5xx response as a breaker failure while still
// handing the response back to the caller.
type serverStatusError struct {
	resp *http.Response
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.resp.StatusCode)
}

// execute runs do under the breaker for host. 5xx responses count as
// failures but are returned unchanged.
func (b *breakers) execute(host string, do func() (*http.Response, error)) (*http.Response, error) {
	out, err := b.get(host).Execute(func() (any, error) {
		resp, err := do()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &serverStatusError{resp: resp}
		}
		return resp, nil
	})

	var statusErr *serverStatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, host)
	case err != nil:
		return nil, err
	}
	return out.(*http.Response), nil
}
