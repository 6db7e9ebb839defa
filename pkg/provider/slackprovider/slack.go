// Package slackprovider implements provider.Provider by posting a chat
// message via slack-go/slack. Its payload shape is the Slack analogue of
// the gateway's own Go client's webhook payload
// (other_examples/e2975594_penserai-acteon__clients-go-acteon-models.go.go).
package slackprovider

import (
	"context"
	"encoding/json"

	"github.com/slack-go/slack"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/provider"
)

// Payload is the wire shape a Slack action's payload decodes to.
type Payload struct {
	Channel     string             `json:"channel"`
	Text        string             `json:"text"`
	Attachments []slack.Attachment `json:"attachments,omitempty"`
}

// Provider dispatches actions as Slack chat.postMessage calls.
type Provider struct {
	client *slack.Client
}

// New wraps an authenticated Slack client.
func New(client *slack.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Name() string { return "slack" }

func (p *Provider) Execute(ctx context.Context, action *core.Action, dctx provider.DispatchContext) (*core.ProviderResponse, error) {
	var payload Payload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return nil, provider.NewError(provider.ErrSerialization, "invalid slack payload: "+err.Error(), false)
	}
	if payload.Channel == "" {
		return nil, provider.NewError(provider.ErrConfiguration, "slack payload missing channel", false)
	}

	opts := []slack.MsgOption{slack.MsgOptionText(payload.Text, false)}
	if len(payload.Attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(payload.Attachments...))
	}

	channelID, timestamp, err := p.client.PostMessageContext(ctx, payload.Channel, opts...)
	if err != nil {
		if rlErr, ok := err.(*slack.RateLimitedError); ok {
			_ = rlErr
			return nil, provider.NewError(provider.ErrRateLimited, err.Error(), true)
		}
		return nil, provider.Wrap(provider.ErrExecutionFailed, err)
	}

	body, _ := json.Marshal(map[string]string{"channel": channelID, "ts": timestamp})
	return &core.ProviderResponse{StatusCode: 200, Body: body}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.AuthTestContext(ctx)
	if err != nil {
		return provider.Wrap(provider.ErrConnection, err)
	}
	return nil
}
