// Package remote is the HTTP client for the canonical content store.
//
// Wire format:
//
//	PUT /items/{id}         body = payload, X-Item-Version = proposed version
//	                        200 {"version":N} accepted, 409 {"version":N} remote is at N
//	GET /items/{id}         body = payload, X-Item-Version = current version
//	GET /changes?since=N    {"changes":[{"seq":..,"id":..,"version":..}, ...]}
package remote

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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/lessonsync/internal/circuitbreaker"
	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/httpx"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/syncqueue"
	"github.com/onnwee/lessonsync/internal/tracing"
)

// VersionHeader carries item versions in both directions.
const VersionHeader = "X-Item-Version"

// ErrNotFound is returned by Read when the remote has no such item.
var ErrNotFound = errors.New("remote: item not found")

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	Breaker   circuitbreaker.Config
}

// ConfigFromEnv builds a client Config from the loaded environment.
func ConfigFromEnv(cfg *config.Config) Config {
	return Config{
		BaseURL:   cfg.RemoteBaseURL,
		Token:     cfg.RemoteToken,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout,
		Breaker: circuitbreaker.Config{
			Name:             "remote",
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
		},
	}
}

// Client implements syncqueue.Remote over HTTP.
type Client struct {
	base    *url.URL
	token   string
	ua      string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

var _ syncqueue.Remote = (*Client)(nil)

// New returns a client for cfg.BaseURL. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "remote"
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = isFailure
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "lessonsync/0.1"
	}
	return &Client{
		base:    base,
		token:   cfg.Token,
		ua:      cfg.UserAgent,
		http:    httpClient,
		breaker: circuitbreaker.New(cfg.Breaker),
	}, nil
}

// isFailure keeps cancellations, missing items and permanent rejections of
// a single request from tripping the breaker.
func isFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) && se.Permanent() {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotFound)
}

// BreakerState exposes the circuit breaker state for status reporting.
func (c *Client) BreakerState() circuitbreaker.State { return c.breaker.GetState() }

type versionBody struct {
	Version syncqueue.Version `json:"version"`
}

type changesBody struct {
	Changes []syncqueue.Change `json:"changes"`
}

// Write proposes payload at version. It is sent once; the queue owns retries.
func (c *Client) Write(ctx context.Context, id string, payload []byte, version syncqueue.Version) (syncqueue.WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "remote.Write")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", id), attribute.Int64("item.version", int64(version)), attribute.Int("item.bytes", len(payload)))

	var res syncqueue.WriteResult
	err := c.breaker.Call(func() error {
		req, err := c.newRequest(ctx, http.MethodPut, c.itemPath(id), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set(VersionHeader, strconv.FormatUint(uint64(version), 10))
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.SyncRemoteRequests.WithLabelValues("error").Inc()
			return err
		}
		defer resp.Body.Close()
		metrics.SyncRemoteRequests.WithLabelValues(statusLabel(resp.StatusCode)).Inc()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			var body versionBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("remote: decode write response: %w", err)
			}
			res = syncqueue.WriteResult{Version: body.Version}
			return nil
		case http.StatusConflict:
			var body versionBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("remote: decode conflict response: %w", err)
			}
			res = syncqueue.WriteResult{Conflict: true, RemoteVersion: body.Version}
			return nil
		default:
			return statusError(resp)
		}
	})
	if err != nil {
		tracing.Fail(span, err)
		return syncqueue.WriteResult{}, err
	}
	span.SetAttributes(attribute.Bool("write.conflict", res.Conflict))
	return res, nil
}

// ChangesSince lists remote changes with a sequence number above since.
func (c *Client) ChangesSince(ctx context.Context, since syncqueue.Watermark) ([]syncqueue.Change, error) {
	ctx, span := tracing.StartSpan(ctx, "remote.ChangesSince")
	defer span.End()
	span.SetAttributes(attribute.Int64("sync.since", int64(since)))

	var out []syncqueue.Change
	err := c.breaker.Call(func() error {
		u := c.resolve("changes")
		q := u.Query()
		q.Set("since", strconv.FormatUint(uint64(since), 10))
		u.RawQuery = q.Encode()
		resp, err := httpx.DoWithRetryFactory(ctx, c.http, func() (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, u, nil)
		}, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		var body changesBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("remote: decode changes: %w", err)
		}
		out = body.Changes
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("sync.changes", len(out)))
	return out, nil
}

// Read fetches the current payload and version of id.
func (c *Client) Read(ctx context.Context, id string) ([]byte, syncqueue.Version, error) {
	ctx, span := tracing.StartSpan(ctx, "remote.Read")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", id))

	var (
		payload []byte
		version syncqueue.Version
	)
	err := c.breaker.Call(func() error {
		resp, err := httpx.DoWithRetryFactory(ctx, c.http, func() (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, c.itemPath(id), nil)
		}, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return ErrNotFound
		default:
			return statusError(resp)
		}
		v, err := strconv.ParseUint(resp.Header.Get(VersionHeader), 10, 64)
		if err != nil {
			return fmt.Errorf("remote: bad %s header: %w", VersionHeader, err)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("remote: read body: %w", err)
		}
		payload, version = b, syncqueue.Version(v)
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		return nil, 0, err
	}
	span.SetAttributes(attribute.Int("item.bytes", len(payload)), attribute.Int64("item.version", int64(version)))
	return payload, version, nil
}

func (c *Client) itemPath(id string) *url.URL {
	return c.base.JoinPath("items", url.PathEscape(id))
}

func (c *Client) resolve(p string) *url.URL {
	return c.base.JoinPath(p)
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func statusLabel(code int) string {
	switch {
	case code < 300:
		return "success"
	case code == http.StatusConflict:
		return "conflict"
	default:
		return "error"
	}
}
