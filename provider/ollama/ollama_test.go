package ollama

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/provider"
	"github.com/fleetmesh/fleetmesh/utils"
)

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("Text response with unit counts", func(t *testing.T) {
		var gotRequest chatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)

			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &gotRequest))

			io.WriteString(w, `{
				"message": {"role": "assistant", "content": "Pong"},
				"prompt_eval_count": 7,
				"eval_count": 2
			}`)
		}))
		defer server.Close()

		endpoint, err := NewEndpoint("ollama", server.URL, "llama3.2")
		assert.NoError(t, err)

		response, err := endpoint.Complete(ctx, &fleetmesh.Request{
			Prompt:    "Ping",
			MaxTokens: utils.ToPtr(int32(64)),
		})
		assert.NoError(t, err)
		assert.Equal(t, fleetmesh.ResponseText, response.Kind)
		assert.Equal(t, "Pong", response.Text)
		assert.Equal(t, int64(7), response.UnitsIn)
		assert.Equal(t, int64(2), response.UnitsOut)

		assert.Equal(t, "llama3.2", gotRequest.Model)
		assert.False(t, gotRequest.Stream)
		assert.Equal(t, int32(64), *gotRequest.Options.NumPredict)
	})

	t.Run("Server down maps to UnavailableError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		endpoint, err := NewEndpoint("ollama", server.URL, "llama3.2")
		assert.NoError(t, err)

		_, err = endpoint.Complete(ctx, &fleetmesh.Request{Prompt: "Ping"})
		var unavailable provider.UnavailableError
		assert.True(t, errors.As(err, &unavailable))
	})

	t.Run("Missing model maps to RejectedError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error": "model not found"}`, http.StatusNotFound)
		}))
		defer server.Close()

		endpoint, err := NewEndpoint("ollama", server.URL, "missing")
		assert.NoError(t, err)

		_, err = endpoint.Complete(ctx, &fleetmesh.Request{Prompt: "Ping"})
		var rejected provider.RejectedError
		assert.True(t, errors.As(err, &rejected))
	})
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models": []}`)
	}))
	defer server.Close()

	endpoint, err := NewEndpoint("ollama", server.URL, "llama3.2")
	assert.NoError(t, err)

	_, err = endpoint.Ping(context.Background())
	assert.NoError(t, err)
}
