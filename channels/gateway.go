// Package channels talks to the messaging gateway and the CRM over HTTP.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/songzhibin97/omniflow/nodes"
)

const maxErrorBody = 4 << 10

var (
	// ErrNoBaseURL is returned by NewGateway without a base URL.
	ErrNoBaseURL = errors.New("gateway base URL is required")
	// ErrMissingID is returned when the gateway accepts a request but does
	// not say what it created.
	ErrMissingID = errors.New("gateway response carries no id")
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Gateway implements nodes.ChannelSender and nodes.LeadCreator against the
// tenant gateway API:
//
//	POST {base}/v1/tenants/{tenant}/messages  {"target", "content"} -> {"messageId"}
//	POST {base}/v1/tenants/{tenant}/leads     {...lead fields}       -> {"id"}
//
// The Idempotency-Key header is derived from the run and node in ctx, so
// repeated calls for one node of one run share a key.
type Gateway struct {
	base   *url.URL
	token  string
	client *http.Client
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(g *Gateway) { g.token = token }
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// NewGateway creates a gateway client rooted at baseURL.
func NewGateway(baseURL string, opts ...Option) (*Gateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway base URL %q: scheme must be http or https", baseURL)
	}
	g := &Gateway{
		base: base,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Send delivers content to target over the tenant's channel.
func (g *Gateway) Send(ctx context.Context, tenantID, target, content string) (nodes.Ack, error) {
	var out struct {
		MessageID string `json:"messageId"`
	}
	body := map[string]string{"target": target, "content": content}
	if err := g.post(ctx, tenantID, "messages", body, &out); err != nil {
		return nodes.Ack{}, err
	}
	if out.MessageID == "" {
		return nodes.Ack{}, ErrMissingID
	}
	return nodes.Ack{MessageID: out.MessageID}, nil
}

// CreateLead creates a lead from payload and returns its id.
func (g *Gateway) CreateLead(ctx context.Context, tenantID string, payload map[string]interface{}) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, tenantID, "leads", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", ErrMissingID
	}
	return out.ID, nil
}

func (g *Gateway) post(ctx context.Context, tenantID, resource string, in, out interface{}) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", resource, err)
	}

	u := g.base.JoinPath("v1", "tenants", tenantID, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	key, ok := nodes.IdempotencyKey(ctx)
	if !ok {
		key = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", resource+":"+key)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", resource, err)
	}
	return nil
}

var (
	_ nodes.ChannelSender = (*Gateway)(nil)
	_ nodes.LeadCreator   = (*Gateway)(nil)
)
