package anthropic

import (
	"context"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/utils"
)

type mockMessages struct {
	gotParams anthropicsdk.MessageNewParams
	message   *anthropicsdk.Message
	err       error
}

func (m *mockMessages) New(
	ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption,
) (*anthropicsdk.Message, error) {
	m.gotParams = params
	return m.message, m.err
}

func parseMessage(t *testing.T, raw string) *anthropicsdk.Message {
	t.Helper()
	var message anthropicsdk.Message
	assert.NoError(t, json.Unmarshal([]byte(raw), &message))
	return &message
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("Text response", func(t *testing.T) {
		mock := &mockMessages{message: parseMessage(t, `{
			"role": "assistant",
			"content": [{"type": "text", "text": "Pong"}],
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`)}
		endpoint := &Endpoint{providerName: "anthropic", model: "claude-3-5-haiku-latest", client: mock}

		response, err := endpoint.Complete(ctx, &fleetmesh.Request{
			Prompt:      "Ping",
			Temperature: utils.ToPtr(float32(0.5)),
			MaxTokens:   utils.ToPtr(int32(128)),
		})
		assert.NoError(t, err)
		assert.Equal(t, fleetmesh.ResponseText, response.Kind)
		assert.Equal(t, "Pong", response.Text)
		assert.Equal(t, int64(10), response.UnitsIn)
		assert.Equal(t, int64(4), response.UnitsOut)

		assert.Equal(t, anthropicsdk.Model("claude-3-5-haiku-latest"), mock.gotParams.Model)
		assert.Equal(t, int64(128), mock.gotParams.MaxTokens)
	})

	t.Run("Defaults max tokens", func(t *testing.T) {
		mock := &mockMessages{message: parseMessage(t, `{
			"role": "assistant",
			"content": [{"type": "text", "text": "Pong"}]
		}`)}
		endpoint := &Endpoint{providerName: "anthropic", model: "claude-3-5-haiku-latest", client: mock}

		_, err := endpoint.Complete(ctx, &fleetmesh.Request{Prompt: "Ping"})
		assert.NoError(t, err)
		assert.Equal(t, int64(defaultMaxTokens), mock.gotParams.MaxTokens)
	})

	t.Run("Tool use response", func(t *testing.T) {
		mock := &mockMessages{message: parseMessage(t, `{
			"role": "assistant",
			"content": [{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "go"}}],
			"usage": {"input_tokens": 6, "output_tokens": 8}
		}`)}
		endpoint := &Endpoint{providerName: "anthropic", model: "claude-3-5-haiku-latest", client: mock}

		response, err := endpoint.Complete(ctx, &fleetmesh.Request{Prompt: "Ping"})
		assert.NoError(t, err)
		assert.Equal(t, fleetmesh.ResponseToolCall, response.Kind)
		assert.Equal(t, "lookup", response.ToolCall.Name)
		assert.JSONEq(t, `{"q": "go"}`, response.ToolCall.Arguments)
	})
}

func TestPing(t *testing.T) {
	mock := &mockMessages{message: parseMessage(t, `{
		"role": "assistant",
		"content": [{"type": "text", "text": "Pong"}]
	}`)}
	endpoint := &Endpoint{providerName: "anthropic", model: "claude-3-5-haiku-latest", client: mock}

	_, err := endpoint.Ping(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), mock.gotParams.MaxTokens)
}
