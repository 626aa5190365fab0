// Package gemini adapts the Gemini API through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/genai"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/provider"
)

type Endpoint struct {
	providerName string
	model        string
	client       *genai.Client
}

func NewEndpoint(ctx context.Context, providerName string, model string, apiKey string) (*Endpoint, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %v", err)
	}
	return &Endpoint{
		providerName: providerName,
		model:        model,
		client:       client,
	}, nil
}

func (ep *Endpoint) Complete(ctx context.Context, request *fleetmesh.Request) (*fleetmesh.Response, error) {
	config := &genai.GenerateContentConfig{
		Temperature: request.Temperature,
		TopP:        request.TopP,
	}
	if request.MaxTokens != nil {
		config.MaxOutputTokens = *request.MaxTokens
	}

	geminiResponse, err := ep.client.Models.GenerateContent(
		ctx, ep.model, genai.Text(request.Prompt), config)
	if err != nil {
		return nil, classifyError(err)
	}
	return toResponse(geminiResponse)
}

func toResponse(geminiResponse *genai.GenerateContentResponse) (*fleetmesh.Response, error) {
	if len(geminiResponse.Candidates) == 0 || geminiResponse.Candidates[0].Content == nil {
		return nil, provider.Unavailable(fmt.Errorf("response has no candidates"))
	}

	response := &fleetmesh.Response{}
	if geminiResponse.UsageMetadata != nil {
		response.UnitsIn = int64(geminiResponse.UsageMetadata.PromptTokenCount)
		response.UnitsOut = int64(geminiResponse.UsageMetadata.CandidatesTokenCount)
	}

	text := ""
	for _, part := range geminiResponse.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			if response.ToolCall == nil {
				arguments, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal function call arguments: %v", err)
				}
				response.ToolCall = &fleetmesh.ToolCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(arguments),
				}
			}
		case part.Text != "":
			text += part.Text
		}
	}

	if response.ToolCall != nil {
		response.Kind = fleetmesh.ResponseToolCall
	} else {
		response.Kind = fleetmesh.ResponseText
		response.Text = text
	}
	return response, nil
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatusCode(apiErr.Code, err)
	}
	return provider.FromTransportError(err)
}

func (ep *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	config := &genai.GenerateContentConfig{MaxOutputTokens: 1}

	start := time.Now()
	if _, err := ep.client.Models.GenerateContent(
		ctx, ep.model, genai.Text("Ping"), config); err != nil {
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
