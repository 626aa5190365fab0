// Package openaicompat reaches every provider speaking the OpenAI chat
// completions protocol: OpenAI itself plus Groq, Cerebras, SambaNova,
// Fireworks, DeepSeek, Mistral, Together, and OpenRouter.
package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/provider"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int32        `json:"max_tokens,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
}

type toolCallPayload struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []toolCallPayload `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type Endpoint struct {
	providerName string
	model        string
	apiKey       string
	baseUrl      *url.URL
	client       *http.Client
}

func NewEndpoint(providerName string, baseUrl string, model string, apiKey string) (*Endpoint, error) {
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}

	return &Endpoint{
		providerName: providerName,
		model:        model,
		apiKey:       apiKey,
		baseUrl:      parsedBaseUrl,
		client:       &http.Client{},
	}, nil
}

func (p *Endpoint) Complete(ctx context.Context, request *fleetmesh.Request) (*fleetmesh.Response, error) {
	payload := chatRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: request.Prompt}},
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
		TopP:        request.TopP,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	endpointPath, err := url.JoinPath(p.baseUrl.String(), "chat/completions")
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "POST", endpointPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return nil, provider.FromTransportError(err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, provider.FromTransportError(err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		return nil, provider.FromStatusCode(httpResponse.StatusCode,
			fmt.Errorf("unexpected status code: %d, body: %s", httpResponse.StatusCode, string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, provider.Unavailable(fmt.Errorf("failed to decode response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, provider.Unavailable(fmt.Errorf("response has no choices"))
	}

	message := parsed.Choices[0].Message
	response := &fleetmesh.Response{
		UnitsIn:  parsed.Usage.PromptTokens,
		UnitsOut: parsed.Usage.CompletionTokens,
	}
	if len(message.ToolCalls) > 0 {
		response.Kind = fleetmesh.ResponseToolCall
		response.ToolCall = &fleetmesh.ToolCall{
			Name:      message.ToolCalls[0].Function.Name,
			Arguments: message.ToolCalls[0].Function.Arguments,
		}
	} else {
		response.Kind = fleetmesh.ResponseText
		response.Text = message.Content
	}
	return response, nil
}

func (p *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	endpointPath, err := url.JoinPath(p.baseUrl.String(), "models")
	if err != nil {
		return 0, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "GET", endpointPath, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %v", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %v", err)
	}
	defer httpResponse.Body.Close()
	return time.Since(start), nil
}

func (p *Endpoint) Provider() string {
	return p.providerName
}

func (p *Endpoint) Shutdown() error {
	p.client.CloseIdleConnections()
	return nil
}
