// Package ollama adapts a machine-local Ollama server. Local models are
// the dispatcher's final cascade tier.
package ollama

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

type chatOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	NumPredict  *int32   `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

type Endpoint struct {
	providerName string
	model        string
	baseUrl      *url.URL
	client       *http.Client
}

func NewEndpoint(providerName string, baseUrl string, model string) (*Endpoint, error) {
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
		baseUrl:      parsedBaseUrl,
		client:       &http.Client{},
	}, nil
}

func (p *Endpoint) Complete(ctx context.Context, request *fleetmesh.Request) (*fleetmesh.Response, error) {
	payload := chatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: request.Prompt}},
		Stream:   false,
	}
	if request.Temperature != nil || request.TopP != nil || request.MaxTokens != nil {
		payload.Options = &chatOptions{
			Temperature: request.Temperature,
			TopP:        request.TopP,
			NumPredict:  request.MaxTokens,
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	endpointPath, err := url.JoinPath(p.baseUrl.String(), "api/chat")
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "POST", endpointPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

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

	return &fleetmesh.Response{
		Kind:     fleetmesh.ResponseText,
		Text:     parsed.Message.Content,
		UnitsIn:  parsed.PromptEvalCount,
		UnitsOut: parsed.EvalCount,
	}, nil
}

func (p *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	endpointPath, err := url.JoinPath(p.baseUrl.String(), "api/tags")
	if err != nil {
		return 0, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "GET", endpointPath, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %v", err)
	}

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
