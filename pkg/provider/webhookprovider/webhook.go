// Package webhookprovider implements provider.Provider by POSTing the
// action payload to a configured URL. Its payload shape is grounded on the
// action gateway's own Go client model
// (other_examples/e2975594_penserai-acteon__clients-go-acteon-models.go.go's
// WebhookPayload{URL, Method, Body, Headers}).
package webhookprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/provider"
)

// Payload is the wire shape a webhook action's payload decodes to.
type Payload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Provider dispatches actions as outbound HTTP calls.
type Provider struct {
	client *http.Client
}

// New returns a Provider using client, or http.DefaultClient if nil.
func New(client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{client: client}
}

func (p *Provider) Name() string { return "webhook" }

func (p *Provider) Execute(ctx context.Context, action *core.Action, dctx provider.DispatchContext) (*core.ProviderResponse, error) {
	var payload Payload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return nil, provider.NewError(provider.ErrSerialization, "invalid webhook payload: "+err.Error(), false)
	}
	if payload.URL == "" {
		return nil, provider.NewError(provider.ErrConfiguration, "webhook payload missing url", false)
	}
	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.URL, bytes.NewReader(payload.Body))
	if err != nil {
		return nil, provider.NewError(provider.ErrConfiguration, err.Error(), false)
	}
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, provider.Wrap(provider.ErrTimeout, err)
		}
		return nil, provider.Wrap(provider.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, provider.NewError(provider.ErrRateLimited, "webhook returned 429", true)
	}
	if resp.StatusCode >= 500 {
		return nil, provider.NewError(provider.ErrExecutionFailed, "webhook returned "+resp.Status, true)
	}
	if resp.StatusCode >= 400 {
		return nil, provider.NewError(provider.ErrExecutionFailed, "webhook returned "+resp.Status, false)
	}

	return &core.ProviderResponse{StatusCode: resp.StatusCode, Body: body, Headers: headers}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}
