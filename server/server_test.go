package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/cache"
	"github.com/fleetmesh/fleetmesh/capability"
	"github.com/fleetmesh/fleetmesh/dispatch"
	"github.com/fleetmesh/fleetmesh/feedback"
	"github.com/fleetmesh/fleetmesh/health"
	"github.com/fleetmesh/fleetmesh/ledger"
	"github.com/fleetmesh/fleetmesh/metrics"
	"github.com/fleetmesh/fleetmesh/provider"
	"github.com/fleetmesh/fleetmesh/rate"
	"github.com/fleetmesh/fleetmesh/state"
)

// openState never throttles and keeps the cache in a plain map.
type openState struct {
	cache map[string][]byte
}

func (s *openState) Allow(context.Context, string, time.Duration) (bool, time.Duration, error) {
	return true, 0, nil
}

func (s *openState) Disable(context.Context, string, time.Duration) error { return nil }

func (s *openState) SaveCache(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.cache[key] = value
	return nil
}

func (s *openState) LoadCache(_ context.Context, key string) ([]byte, error) {
	return s.cache[key], nil
}

type scriptedEndpoint struct {
	name string
	err  error
}

func (e *scriptedEndpoint) Complete(context.Context, *fleetmesh.Request) (*fleetmesh.Response, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &fleetmesh.Response{
		Kind: fleetmesh.ResponseText, Text: "answer", UnitsIn: 10, UnitsOut: 5,
	}, nil
}

func (e *scriptedEndpoint) Ping(context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (e *scriptedEndpoint) Provider() string { return e.name }
func (e *scriptedEndpoint) Shutdown() error  { return nil }

func newTestServer(t *testing.T, apiKey string, endpointErr error) (*httptest.Server, *state.MemoryRecords) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	registry, err := fleetmesh.NewRegistry([]fleetmesh.Provider{{
		Name: "groq", Tier: fleetmesh.TierFree,
		Protocol: fleetmesh.ProtocolOpenAI,
		BaseURL:  "https://example.test/v1", Model: "llama-3.1-8b-instant",
	}})
	assert.NoError(t, err)

	records := state.NewMemoryRecords()
	stateManager := &openState{cache: make(map[string][]byte)}

	tracker, err := health.NewTracker(ctx, records, logger)
	assert.NoError(t, err)
	matrix, err := capability.NewMatrix(ctx, records, logger)
	assert.NoError(t, err)
	costLedger := ledger.New(records, 0, logger)
	m := metrics.New()

	dispatcher := dispatch.New(
		registry,
		map[string]provider.Endpoint{"groq": &scriptedEndpoint{name: "groq", err: endpointErr}},
		tracker,
		matrix,
		rate.NewLimiter(stateManager, logger),
		cache.New(stateManager, time.Minute, logger),
		costLedger,
		feedback.NewInjector(records, logger),
		m,
		logger,
		dispatch.WithEpsilon(0),
	)

	srv := New(
		dispatcher, tracker, matrix, costLedger,
		feedback.NewCollector(records, clock.New(), logger),
		m, apiKey, logger,
	)
	testServer := httptest.NewServer(srv.Handler())
	t.Cleanup(testServer.Close)
	return testServer, records
}

func postJSON(t *testing.T, url string, token string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	assert.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	assert.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	assert.NoError(t, err)
	return response
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	defer response.Body.Close()
	assert.NoError(t, json.NewDecoder(response.Body).Decode(target))
}

func TestHandleDispatch(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{
			Prompt: "hello", TaskType: "general",
		})
		assert.Equal(t, http.StatusOK, response.StatusCode)

		var body dispatchResponse
		decodeBody(t, response, &body)
		assert.Equal(t, "groq", body.Provider)
		assert.Equal(t, fleetmesh.TierFree, body.Tier)
		assert.Equal(t, "answer", body.Response.Text)
		assert.False(t, body.Cached)
	})

	t.Run("Second identical request is cached", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		request := fleetmesh.Request{Prompt: "hello", TaskType: "general"}
		first := postJSON(t, testServer.URL+"/v1/dispatch", "", request)
		first.Body.Close()

		var body dispatchResponse
		decodeBody(t, postJSON(t, testServer.URL+"/v1/dispatch", "", request), &body)
		assert.True(t, body.Cached)
	})

	t.Run("Missing prompt", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{TaskType: "general"})
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})

	t.Run("Missing task type", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{Prompt: "hello"})
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})

	t.Run("Invalid tier", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{
			Prompt: "hello", TaskType: "general", TierPreference: "platinum",
		})
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})

	t.Run("Malformed body", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response, err := http.Post(testServer.URL+"/v1/dispatch", "application/json", bytes.NewReader([]byte("{not json")))
		assert.NoError(t, err)
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})

	t.Run("All providers down returns attempts", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", provider.Unavailable(fmt.Errorf("connection refused")))

		response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{
			Prompt: "hello", TaskType: "general",
		})
		assert.Equal(t, http.StatusServiceUnavailable, response.StatusCode)

		var body struct {
			Error    string             `json:"error"`
			Attempts []dispatch.Attempt `json:"attempts"`
		}
		decodeBody(t, response, &body)
		assert.Len(t, body.Attempts, 1)
		assert.Equal(t, "groq", body.Attempts[0].Provider)
		assert.Equal(t, dispatch.ReasonUnavailable, body.Attempts[0].Reason)
	})
}

func TestAuthentication(t *testing.T) {
	t.Run("Open when no key configured", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response, err := http.Get(testServer.URL + "/v1/health")
		assert.NoError(t, err)
		response.Body.Close()
		assert.Equal(t, http.StatusOK, response.StatusCode)
	})

	t.Run("Rejects missing and wrong tokens", func(t *testing.T) {
		testServer, _ := newTestServer(t, "secret", nil)

		response, err := http.Get(testServer.URL + "/v1/health")
		assert.NoError(t, err)
		response.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

		request, err := http.NewRequest(http.MethodGet, testServer.URL+"/v1/health", nil)
		assert.NoError(t, err)
		request.Header.Set("Authorization", "Bearer wrong")
		response, err = http.DefaultClient.Do(request)
		assert.NoError(t, err)
		response.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	})

	t.Run("Accepts the configured token", func(t *testing.T) {
		testServer, _ := newTestServer(t, "secret", nil)

		request, err := http.NewRequest(http.MethodGet, testServer.URL+"/v1/health", nil)
		assert.NoError(t, err)
		request.Header.Set("Authorization", "Bearer secret")
		response, err := http.DefaultClient.Do(request)
		assert.NoError(t, err)
		response.Body.Close()
		assert.Equal(t, http.StatusOK, response.StatusCode)
	})

	t.Run("Metrics stay open", func(t *testing.T) {
		testServer, _ := newTestServer(t, "secret", nil)

		response, err := http.Get(testServer.URL + "/metrics")
		assert.NoError(t, err)
		body, err := io.ReadAll(response.Body)
		response.Body.Close()
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		assert.Contains(t, string(body), "fleetmesh_")
	})
}

func TestHandleHealth(t *testing.T) {
	testServer, _ := newTestServer(t, "", nil)

	response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{
		Prompt: "hello", TaskType: "general",
	})
	response.Body.Close()

	healthResponse, err := http.Get(testServer.URL + "/v1/health")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, healthResponse.StatusCode)

	var body struct {
		Providers []fleetmesh.HealthRecord `json:"providers"`
	}
	decodeBody(t, healthResponse, &body)
	assert.Len(t, body.Providers, 1)
	assert.Equal(t, "groq", body.Providers[0].Provider)
	assert.Equal(t, int64(1), body.Providers[0].TotalSuccesses)
}

func TestHandleReset(t *testing.T) {
	testServer, _ := newTestServer(t, "", nil)

	response := postJSON(t, testServer.URL+"/v1/health/reset/groq", "", nil)
	response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)

	response = postJSON(t, testServer.URL+"/v1/health/reset", "", nil)
	response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
}

func TestHandleUsage(t *testing.T) {
	testServer, _ := newTestServer(t, "", nil)

	response := postJSON(t, testServer.URL+"/v1/dispatch", "", fleetmesh.Request{
		Prompt: "hello", TaskType: "general",
	})
	response.Body.Close()

	usageResponse, err := http.Get(testServer.URL + "/v1/usage?since=2020-01-01T00:00:00Z")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, usageResponse.StatusCode)

	var usage ledger.Usage
	decodeBody(t, usageResponse, &usage)
	assert.Equal(t, int64(1), usage.Requests)
	assert.Equal(t, int64(10), usage.TotalUnitsIn)

	badResponse, err := http.Get(testServer.URL + "/v1/usage?since=yesterday")
	assert.NoError(t, err)
	badResponse.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResponse.StatusCode)
}

func TestHandleFeedback(t *testing.T) {
	t.Run("Valid feedback is stored", func(t *testing.T) {
		testServer, records := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/feedback", "", feedbackRequest{
			TaskType: "code", Note: "cited a nonexistent function", Severity: 4,
		})
		assert.Equal(t, http.StatusCreated, response.StatusCode)

		var record fleetmesh.FeedbackRecord
		decodeBody(t, response, &record)
		assert.NotEmpty(t, record.ID)

		stored, err := records.FeedbackForTask(context.Background(), "code", 10)
		assert.NoError(t, err)
		assert.Len(t, stored, 1)
	})

	t.Run("Invalid severity", func(t *testing.T) {
		testServer, _ := newTestServer(t, "", nil)

		response := postJSON(t, testServer.URL+"/v1/feedback", "", feedbackRequest{
			TaskType: "code", Note: "bad", Severity: 9,
		})
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})
}
