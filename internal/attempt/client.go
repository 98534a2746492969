// Package attempt talks to the remote attempt lifecycle service.
package attempt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stemsi/proctord/internal/proctor"
)

// StatusError is a non-2xx answer from the attempt service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether retrying could succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Timeout bounds each HTTP round trip.
	Timeout time.Duration
	// Retries is the number of attempts for create and lookup calls.
	Retries uint
	// BreakerTrips is the number of consecutive failures that open the breaker.
	BreakerTrips uint32
	// OnBreakerChange observes breaker state transitions.
	OnBreakerChange func(from, to gobreaker.State)
	HTTPClient      *http.Client
}

// Client is the HTTP implementation of proctor.AttemptService. Clients
// derived with WithToken share one circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	retries uint
	breaker *gobreaker.CircuitBreaker
	token   string
	log     zerolog.Logger
}

// New creates a Client without credentials.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.BreakerTrips == 0 {
		opts.BreakerTrips = 5
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	log = log.With().Str("component", "attempt_client").Logger()
	trips := opts.BreakerTrips
	onChange := opts.OnBreakerChange

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "attempt-service",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		// 4xx answers mean the service is up.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil || errors.Is(err, proctor.ErrAttemptExists)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if onChange != nil {
				onChange(from, to)
			}
		},
	})

	return &Client{
		baseURL: opts.BaseURL,
		http:    hc,
		retries: opts.Retries,
		breaker: cb,
		log:     log,
	}
}

// WithToken returns a Client forwarding token as the Bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type createRequest struct {
	MockName        string `json:"mockName"`
	UserID          string `json:"userId"`
	TestScheduledID string `json:"testScheduledId"`
}

type createResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Message string `json:"message"`
}

// CreateAttempt opens a new attempt. A 409 answer maps to
// proctor.ErrAttemptExists so the caller can look the id up instead.
func (c *Client) CreateAttempt(ctx context.Context, mockName, userID, testScheduledID string) (string, error) {
	var out createResponse
	err := c.guarded(ctx, "create attempt", true, func(ctx context.Context) error {
		return c.do(ctx, "create attempt", http.MethodPost, "/test-attempt",
			createRequest{MockName: mockName, UserID: userID, TestScheduledID: testScheduledID}, &out)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return "", proctor.ErrAttemptExists
		}
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create attempt: empty id (%s)", out.Message)
	}
	return out.Data.ID, nil
}

// SubmitAttempt marks the attempt submitted. It is never retried: a lost
// response must surface to the session instead of risking a second submit.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID, userID string) error {
	path := fmt.Sprintf("/test_attempt_question/submitted/%s/%s", url.PathEscape(userID), url.PathEscape(attemptID))
	return c.do(ctx, "submit attempt", http.MethodPut, path, nil, nil)
}

type lookupRequest struct {
	UserID    string `json:"userId"`
	TestSchID string `json:"testSchId"`
}

type lookupResponse struct {
	AttemptID string `json:"attemptId"`
	Data      struct {
		AttemptID string `json:"attemptId"`
	} `json:"data"`
}

// GetAttemptID resolves the attempt of a user on a scheduled test.
func (c *Client) GetAttemptID(ctx context.Context, userID, testScheduledID string) (string, error) {
	var out lookupResponse
	err := c.guarded(ctx, "get attempt id", true, func(ctx context.Context) error {
		return c.do(ctx, "get attempt id", http.MethodPost, "/test-attempt/getAttemptId",
			lookupRequest{UserID: userID, TestSchID: testScheduledID}, &out)
	})
	if err != nil {
		return "", err
	}
	id := out.AttemptID
	if id == "" {
		id = out.Data.AttemptID
	}
	if id == "" {
		return "", errors.New("get attempt id: empty id")
	}
	return id, nil
}

// Ping is the liveness round trip used by the heartbeat.
func (c *Client) Ping(ctx context.Context) error {
	return c.guarded(ctx, "ping", false, func(ctx context.Context) error {
		return c.do(ctx, "ping", http.MethodGet, "/user", nil, nil)
	})
}

// guarded runs fn through the breaker, retrying temporary failures when asked.
func (c *Client) guarded(ctx context.Context, op string, retryable bool, fn func(context.Context) error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		if !retryable {
			return nil, fn(ctx)
		}
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.retries),
			retry.Delay(200*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isTemporary),
			retry.OnRetry(func(n uint, err error) {
				c.log.Debug().Err(err).Uint("attempt", n+1).Str("op", op).Msg("retrying")
			}),
		)
		return nil, r.Do(func() error { return fn(ctx) })
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func isTemporary(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

var _ proctor.AttemptService = (*Client)(nil)
