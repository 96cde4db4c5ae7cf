package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/tracing"
)

// DaytonaClient talks to the sandbox service's REST API.
type DaytonaClient struct {
	baseURL string
	apiKey  string
	target  string
	client  *http.Client
}

// DaytonaClientConfig holds sandbox API client configuration
type DaytonaClientConfig struct {
	ServerURL string
	APIKey    string
	// Target selects the deployment region for new sandboxes
	Target string
	// RequestTimeout bounds each API call; per-operation deadlines are
	// enforced by the circuit breaker above this client
	RequestTimeout time.Duration
	// HTTPClient overrides the default client, e.g. to add tracing
	// instrumentation to the transport
	HTTPClient *http.Client
}

// NewDaytonaClient creates a sandbox API client
func NewDaytonaClient(config DaytonaClientConfig) *DaytonaClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = config.RequestTimeout

	return &DaytonaClient{
		baseURL: config.ServerURL,
		apiKey:  config.APIKey,
		target:  config.Target,
		client:  client,
	}
}

type sandboxResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

// Get fetches a sandbox by ID
func (d *DaytonaClient) Get(ctx context.Context, id string) (*Instance, error) {
	var resp sandboxResponse
	if err := d.do(ctx, http.MethodGet, fmt.Sprintf("/sandbox/%s", id), nil, &resp); err != nil {
		return nil, err
	}
	return &Instance{ID: resp.ID, State: State(resp.State)}, nil
}

// Create provisions a new sandbox from the given image
func (d *DaytonaClient) Create(ctx context.Context, image string) (*Instance, error) {
	body := map[string]string{"image": image}
	if d.target != "" {
		body["target"] = d.target
	}

	var resp sandboxResponse
	if err := d.do(ctx, http.MethodPost, "/sandbox", body, &resp); err != nil {
		return nil, err
	}
	return &Instance{ID: resp.ID, State: State(resp.State)}, nil
}

// Start starts a stopped sandbox
func (d *DaytonaClient) Start(ctx context.Context, id string) error {
	return d.do(ctx, http.MethodPost, fmt.Sprintf("/sandbox/%s/start", id), nil, nil)
}

// Delete removes a sandbox
func (d *DaytonaClient) Delete(ctx context.Context, id string) error {
	return d.do(ctx, http.MethodDelete, fmt.Sprintf("/sandbox/%s", id), nil, nil)
}

// ExecuteCommand runs a shell command inside a sandbox
func (d *DaytonaClient) ExecuteCommand(ctx context.Context, id, command string) (*CommandResult, error) {
	var resp executeResponse
	path := fmt.Sprintf("/toolbox/%s/process/execute", id)
	if err := d.do(ctx, http.MethodPost, path, executeRequest{Command: command}, &resp); err != nil {
		return nil, err
	}
	return &CommandResult{ExitCode: resp.ExitCode, Output: resp.Result}, nil
}

func (d *DaytonaClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.NewValidationError("failed to encode request body").WithCause(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return errors.NewValidationError("failed to build sandbox request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewTimeoutError("sandbox request", d.client.Timeout).WithCause(err)
		}
		return errors.NewNetworkError("sandbox service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewNetworkError("failed to read sandbox response").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFoundError("sandbox")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.CategoryAuthentication, errors.SeverityError,
			fmt.Sprintf("sandbox service rejected credentials (HTTP %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.NewRateLimitError("sandbox service rate limited", 0)
	case resp.StatusCode >= 500:
		return errors.NewSandboxError(fmt.Sprintf("sandbox service error (HTTP %d)", resp.StatusCode)).
			WithDetail("body", string(raw))
	case resp.StatusCode >= 400:
		return errors.NewValidationError(fmt.Sprintf("sandbox request rejected (HTTP %d)", resp.StatusCode)).
			WithDetail("body", string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.NewSandboxError("malformed sandbox response").WithCause(err)
		}
	}
	return nil
}

// GuardedClient routes every sandbox operation through the circuit
// breaker, picking up its per-operation deadlines.
type GuardedClient struct {
	client  Client
	breaker *Breaker
	tracer  *tracing.Service
	metrics *metrics.Metrics
}

// NewGuardedClient wraps a client with circuit breaker protection
func NewGuardedClient(client Client, breaker *Breaker) *GuardedClient {
	return &GuardedClient{client: client, breaker: breaker}
}

// WithTracing records a span per guarded operation
func (g *GuardedClient) WithTracing(tracer *tracing.Service) *GuardedClient {
	g.tracer = tracer
	return g
}

// WithMetrics records per-operation outcomes
func (g *GuardedClient) WithMetrics(m *metrics.Metrics) *GuardedClient {
	g.metrics = m
	return g
}

// Breaker returns the underlying circuit breaker
func (g *GuardedClient) Breaker() *Breaker {
	return g.breaker
}

func (g *GuardedClient) guarded(ctx context.Context, operation, sandboxID string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var span oteltrace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.StartSandboxSpan(ctx, operation, sandboxID)
		defer span.End()
	}

	result, err := g.breaker.Execute(ctx, operation, op)

	if err != nil && span != nil {
		g.tracer.RecordError(span, err)
	}
	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		g.metrics.RecordBreakerOperation("daytona", operation, outcome)
	}
	return result, err
}

// Get fetches a sandbox through the breaker
func (g *GuardedClient) Get(ctx context.Context, id string) (*Instance, error) {
	result, err := g.guarded(ctx, "get", id, func(ctx context.Context) (interface{}, error) {
		return g.client.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Instance), nil
}

// Create provisions a sandbox through the breaker
func (g *GuardedClient) Create(ctx context.Context, image string) (*Instance, error) {
	result, err := g.guarded(ctx, "create", "", func(ctx context.Context) (interface{}, error) {
		return g.client.Create(ctx, image)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Instance), nil
}

// Start starts a sandbox through the breaker
func (g *GuardedClient) Start(ctx context.Context, id string) error {
	_, err := g.guarded(ctx, "start", id, func(ctx context.Context) (interface{}, error) {
		return nil, g.client.Start(ctx, id)
	})
	return err
}

// Delete removes a sandbox through the breaker
func (g *GuardedClient) Delete(ctx context.Context, id string) error {
	_, err := g.guarded(ctx, "delete", id, func(ctx context.Context) (interface{}, error) {
		return nil, g.client.Delete(ctx, id)
	})
	return err
}

// ExecuteCommand runs a command through the breaker
func (g *GuardedClient) ExecuteCommand(ctx context.Context, id, command string) (*CommandResult, error) {
	result, err := g.guarded(ctx, "execute", id, func(ctx context.Context) (interface{}, error) {
		return g.client.ExecuteCommand(ctx, id, command)
	})
	if err != nil {
		return nil, err
	}
	return result.(*CommandResult), nil
}
