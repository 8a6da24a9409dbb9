// Package storeapi implements read/write GraphQL helpers against the
// store-admin API with retry, cost-based throttle pacing, and the
// metafield backfill/never-write-empty rules.
package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ficreative/seo-batch-engine/internal/classify"
	"github.com/ficreative/seo-batch-engine/internal/clock"
)

// ThrottleStatus mirrors response.extensions.cost.throttleStatus.
type ThrottleStatus struct {
	CurrentlyAvailable float64 `json:"currentlyAvailable"`
	RestoreRate        float64 `json:"restoreRate"`
}

// Callbacks wires retry/throttle narration into job and item counters.
type Callbacks struct {
	OnAttempt func(n int)
	OnRetry   func(waitMs int64, reason string)
	OnThrottle func(waitMs int64, status ThrottleStatus)
}

// Config holds the client's retry/timeout/throttle tunables.
type Config struct {
	URL                  string
	Key                  string
	MaxAttempts          int
	Timeout              time.Duration
	BackoffBase          time.Duration
	ThrottleMinAvailable float64
	ThrottleMaxWait      time.Duration
}

// Client calls the store-admin GraphQL API.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.ThrottleMinAvailable == 0 {
		cfg.ThrottleMinAvailable = 100
	}
	if cfg.ThrottleMaxWait == 0 {
		cfg.ThrottleMaxWait = 5 * time.Second
	}
	return &Client{cfg: cfg, http: httpClient}
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Extensions struct {
		Cost struct {
			ThrottleStatus ThrottleStatus `json:"throttleStatus"`
		} `json:"cost"`
	} `json:"extensions"`
}

// graphqlWithRetry runs one GraphQL operation through the full retry +
// throttle-pacing state machine, returning the raw "data" payload.
func (c *Client) graphqlWithRetry(ctx context.Context, query string, vars map[string]any, cb Callbacks) (json.RawMessage, error) {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cb.OnAttempt != nil {
			cb.OnAttempt(attempt)
		}

		data, throttle, cls, err := c.doOnce(ctx, query, vars)
		if err == nil {
			c.paceThrottle(ctx, throttle, cb)
			return data, nil
		}
		lastErr = err

		if cls.IsTransient && attempt < maxAttempts {
			wait := clock.Backoff(attempt, c.cfg.BackoffBase)
			if cls.RetryAfter > wait {
				wait = cls.RetryAfter
			}
			if cb.OnRetry != nil {
				cb.OnRetry(wait.Milliseconds(), cls.UserMessage)
			}
			if err := clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("%s: %w", cls.UserMessage, lastErr)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, query string, vars map[string]any) (json.RawMessage, ThrottleStatus, classify.Classification, error) {
	reqBody, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return nil, ThrottleStatus{}, classify.Classification{UserMessage: "invalid request"}, err
	}

	var parsed gqlResponse
	var statusCode int
	var nonParsable bool
	var callErr error

	timeoutErr := clock.Timeout(ctx, c.cfg.Timeout, "storeapi.call", func(cctx context.Context) error {
		req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Store-Access-Token", c.cfg.Key)

		resp, err := c.http.Do(req)
		if err != nil {
			callErr = err
			return nil
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			callErr = err
			return nil
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			nonParsable = true
		}
		return nil
	})

	if timeoutErr != nil {
		return nil, ThrottleStatus{}, classify.Classify(classify.Input{IsTimeout: true}), timeoutErr
	}
	if callErr != nil {
		return nil, ThrottleStatus{}, classify.Classify(classify.Input{StatusCode: statusCode, ErrMessage: callErr.Error()}), callErr
	}
	if nonParsable {
		if statusCode < 200 || statusCode >= 300 {
			cls := classify.Classify(classify.Input{StatusCode: statusCode})
			return nil, ThrottleStatus{}, cls, fmt.Errorf("status %d", statusCode)
		}
		return nil, ThrottleStatus{}, classify.Classify(classify.Input{NonParsableJSON: true}), fmt.Errorf("malformed response")
	}

	throttle := parsed.Extensions.Cost.ThrottleStatus
	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.Message)
		}
		cls := classify.Classify(classify.Input{StatusCode: statusCode, GraphQLErrors: msgs, ErrMessage: strings.Join(msgs, "; ")})
		return nil, throttle, cls, fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	if statusCode < 200 || statusCode >= 300 {
		cls := classify.Classify(classify.Input{StatusCode: statusCode})
		return nil, throttle, cls, fmt.Errorf("status %d", statusCode)
	}

	return parsed.Data, throttle, classify.Classification{}, nil
}

// paceThrottle sleeps when currentlyAvailable has dropped below the
// configured floor, waiting out the deficit at the reported restore rate.
func (c *Client) paceThrottle(ctx context.Context, status ThrottleStatus, cb Callbacks) {
	if status.RestoreRate <= 0 || status.CurrentlyAvailable >= c.cfg.ThrottleMinAvailable {
		return
	}
	deficit := c.cfg.ThrottleMinAvailable - status.CurrentlyAvailable
	wait := time.Duration(math.Ceil(deficit/status.RestoreRate)) * time.Second
	if wait < 0 {
		wait = 0
	}
	if wait > c.cfg.ThrottleMaxWait {
		wait = c.cfg.ThrottleMaxWait
	}
	if cb.OnThrottle != nil {
		cb.OnThrottle(wait.Milliseconds(), status)
	}
	_ = clock.Sleep(ctx, wait)
}
