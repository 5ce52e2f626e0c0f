// Package remote speaks the batch synchronization protocol of the server
// holding the authoritative copy of every task record.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/cadelake/outpost/errs"
	"github.com/cadelake/outpost/internal/infra/config"
	"github.com/cadelake/outpost/internal/telemetry"
)

const (
	batchPath  = "/batch"
	healthPath = "/health"

	maxErrorBodyBytes = 4 << 10
)

// Client submits outbox batches and probes remote liveness.
type Client struct {
	baseURL      string
	authToken    string
	batchTimeout time.Duration
	probeTimeout time.Duration
	http         *http.Client
	limiter      *rate.Limiter
	logger       zerolog.Logger
	duration     metric.Float64Histogram
}

// NewClient constructs a Client from the remote configuration.
func NewClient(cfg config.RemoteConfig, logger zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote client: base url required")
	}

	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 15 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	client := &Client{
		baseURL:      baseURL,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		batchTimeout: batchTimeout,
		probeTimeout: probeTimeout,
		http:         &http.Client{},
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
	}

	meter := otel.Meter("remote.client")
	if histogram, err := meter.Float64Histogram("outpost_remote_request_duration_ms",
		metric.WithDescription("Remote batch request duration"),
		metric.WithUnit("ms")); err == nil {
		client.duration = histogram
	}

	return client, nil
}

// SubmitBatch posts one batch and returns the structured per-item verdicts.
// Transport failures, non-2xx replies, and undecodable bodies all come back
// as classified errors with no usable response.
func (c *Client) SubmitBatch(ctx context.Context, batch BatchRequest) (BatchResponse, error) {
	if len(batch.Items) == 0 {
		return BatchResponse{}, errs.New("remote.batch", errs.CodeInvalid,
			errs.WithMessage("empty batch"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return BatchResponse{}, errs.New("remote.batch", errs.CodeNetwork,
			errs.WithMessage("rate limiter interrupted"), errs.WithCause(err))
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return BatchResponse{}, errs.New("remote.batch", errs.CodeInternal,
			errs.WithMessage("encode batch request"), errs.WithCause(err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, errs.New("remote.batch", errs.CodeInternal,
			errs.WithMessage("create batch request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(ctx, batchPath, 0, start)
		return BatchResponse{}, errs.New("remote.batch", errs.CodeNetwork,
			errs.WithMessage("request batch endpoint"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.observe(ctx, batchPath, resp.StatusCode, start)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		code := errs.CodeInvalid
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			code = errs.CodeUnavailable
		}
		return BatchResponse{}, errs.New("remote.batch", code,
			errs.WithMessage("batch endpoint rejected request"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRemoteStatus(strconv.Itoa(resp.StatusCode)),
			errs.WithRemoteMessage(strings.TrimSpace(string(excerpt))))
	}

	var decoded BatchResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&decoded); err != nil {
		return BatchResponse{}, errs.New("remote.batch", errs.CodeNetwork,
			errs.WithMessage("decode batch response"), errs.WithCause(err))
	}

	c.logger.Debug().
		Int("items", len(batch.Items)).
		Int("processed", len(decoded.ProcessedItems)).
		Msg("batch submitted")

	return decoded, nil
}

// CheckHealth probes remote liveness. Any 2xx reply within the probe timeout
// counts as reachable; everything else is reported as an offline error.
func (c *Client) CheckHealth(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return errs.New("remote.health", errs.CodeInternal,
			errs.WithMessage("create health request"), errs.WithCause(err))
	}
	c.setAuth(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(ctx, healthPath, 0, start)
		return errs.New("remote.health", errs.CodeNetwork,
			errs.WithMessage("remote unreachable"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	c.observe(ctx, healthPath, resp.StatusCode, start)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errs.New("remote.health", errs.CodeUnavailable,
			errs.WithMessage("health probe rejected"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRemoteStatus(strconv.Itoa(resp.StatusCode)))
	}
	return nil
}

// BaseURL reports the normalized remote base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) observe(ctx context.Context, endpoint string, status int, start time.Time) {
	if c.duration == nil {
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	attrs := telemetry.RemoteAttributes(telemetry.Environment(), endpoint, status)
	c.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
}
