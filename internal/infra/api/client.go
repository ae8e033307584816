// Package api implements the authenticated HTTP client for the CaseVault
// cloud API: the heartbeat/acknowledge channel the dispatcher polls, and the
// direct case and file operations used by event handlers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/casevault/agent/internal/domain/events"
	"github.com/casevault/agent/pkg/common"
	"github.com/casevault/agent/pkg/common/logger"
)

// Config carries the connection settings for the cloud API.
type Config struct {
	// BaseURL is the root of the cloud API, e.g. https://api.casevault.example.
	BaseURL string

	// TokenURL, ClientID and ClientSecret configure the OAuth2
	// client-credentials flow used to authenticate every request.
	TokenURL     string
	ClientID     string
	ClientSecret string

	// AgentVersion is reported on every heartbeat.
	AgentVersion string

	// RequestsPerSecond and Burst bound the client-side request rate.
	// Zero values fall back to 10 rps with a burst of 20.
	RequestsPerSecond float64
	Burst             int

	// RequestTimeout bounds a single HTTP round trip. Defaults to 30s.
	// Streaming downloads are exempt.
	RequestTimeout time.Duration
}

// Client is the authenticated transport to the cloud. Heartbeat and
// Acknowledge deliberately perform no retries: the dispatch loop's next
// cycle and the server's redelivery window are the retry mechanisms.
type Client struct {
	baseURL string
	version string

	httpClient *http.Client
	streaming  *http.Client
	limiter    *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient validates the config and builds a client. A missing credential
// is a fatal setup error surfaced to the caller, not masked.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, fmt.Errorf("api: base URL is required")
	case cfg.TokenURL == "":
		return nil, fmt.Errorf("api: token URL is required")
	case cfg.ClientID == "" || cfg.ClientSecret == "":
		return nil, fmt.Errorf("api: client credentials are required")
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	// The oauth2 transport injects and refreshes the bearer token.
	authClient := cc.Client(context.Background())

	timed := *authClient
	timed.Timeout = cfg.RequestTimeout

	return &Client{
		baseURL:    cfg.BaseURL,
		version:    cfg.AgentVersion,
		httpClient: &timed,
		streaming:  authClient,
		limiter:    common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:     log.With("component", "api_client"),
		tracer:     tracer,
	}, nil
}

// heartbeatRequest is the body of a heartbeat poll.
type heartbeatRequest struct {
	AgentVersion string `json:"agentVersion"`
}

// heartbeatResponse carries the queued events. The events field may be
// entirely absent, which is a normal empty cycle.
type heartbeatResponse struct {
	Events []events.EventEnvelope `json:"events"`
}

// Heartbeat polls the cloud and returns any queued events for this agent.
func (c *Client) Heartbeat(ctx context.Context) ([]events.EventEnvelope, error) {
	ctx, span := c.tracer.Start(ctx, "api.heartbeat")
	defer span.End()

	var resp heartbeatResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/agent/heartbeat", heartbeatRequest{AgentVersion: c.version}, &resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	span.SetAttributes(attribute.Int("event_count", len(resp.Events)))
	return resp.Events, nil
}

// Acknowledge retires one delivered event so the server stops retaining it.
func (c *Client) Acknowledge(ctx context.Context, eventID string) error {
	ctx, span := c.tracer.Start(ctx, "api.acknowledge",
		trace.WithAttributes(attribute.String("event_id", eventID)))
	defer span.End()

	if err := c.doJSON(ctx, http.MethodPost, "/v1/agent/events/"+eventID+"/ack", nil, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("acknowledge event %s: %w", eventID, err)
	}
	return nil
}

// Ping asks the cloud to queue a PongEvent for the given tenant. Used on
// startup to verify the event channel end to end.
func (c *Client) Ping(ctx context.Context, tenantID string) error {
	ctx, span := c.tracer.Start(ctx, "api.ping",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	body := map[string]string{"tenantId": tenantID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agent/ping", body, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("ping tenant %s: %w", tenantID, err)
	}
	return nil
}

// doJSON performs one JSON round trip. in may be nil for empty bodies, out
// may be nil when the response body is irrelevant.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// do applies rate limiting and common headers, sends the request, and maps
// non-2xx responses to *StatusError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.send(c.httpClient, req)
}

func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("X-Agent-Version", c.version)
	if tenant, ok := tenantFrom(req.Context()); ok {
		req.Header.Set("X-Tenant-Id", tenant)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Status: resp.StatusCode, Detail: string(detail)}
	}
	return resp, nil
}

// StatusError reports a non-2xx API response.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.Status, e.Detail)
}

// Temporary reports whether the response indicates a transient server-side
// condition worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}
