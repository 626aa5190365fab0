// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/provider"
)

// Applied when the caller leaves MaxTokens unset; the Messages API
// requires an explicit value.
const defaultMaxTokens = 4096

type messagesClient interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type Endpoint struct {
	providerName string
	model        string
	client       messagesClient
}

func NewEndpoint(providerName string, model string, apiKey string) (*Endpoint, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &Endpoint{
		providerName: providerName,
		model:        model,
		client:       &client.Messages,
	}, nil
}

func (ep *Endpoint) Complete(ctx context.Context, request *fleetmesh.Request) (*fleetmesh.Response, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(ep.model),
		MaxTokens: int64(defaultMaxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(request.Prompt)),
		},
	}
	if request.MaxTokens != nil {
		params.MaxTokens = int64(*request.MaxTokens)
	}
	if request.Temperature != nil {
		params.Temperature = anthropicsdk.Float(float64(*request.Temperature))
	}
	if request.TopP != nil {
		params.TopP = anthropicsdk.Float(float64(*request.TopP))
	}

	message, err := ep.client.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return toResponse(message), nil
}

func toResponse(message *anthropicsdk.Message) *fleetmesh.Response {
	response := &fleetmesh.Response{
		UnitsIn:  message.Usage.InputTokens,
		UnitsOut: message.Usage.OutputTokens,
	}

	content := strings.Builder{}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			if response.ToolCall == nil {
				response.ToolCall = &fleetmesh.ToolCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				}
			}
		}
	}

	if response.ToolCall != nil {
		response.Kind = fleetmesh.ResponseToolCall
	} else {
		response.Kind = fleetmesh.ResponseText
		response.Text = content.String()
	}
	return response
}

func classifyError(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatusCode(apiErr.StatusCode, err)
	}
	return provider.FromTransportError(err)
}

func (ep *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := ep.client.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(ep.model),
		MaxTokens: int64(1),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("Ping")),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("ping failed: %v", err)
	}
	return time.Since(start), nil
}

func (ep *Endpoint) Provider() string {
	return ep.providerName
}

func (ep *Endpoint) Shutdown() error {
	return nil
}
