package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/capability"
	"github.com/fleetmesh/fleetmesh/dispatch"
	"github.com/fleetmesh/fleetmesh/feedback"
	"github.com/fleetmesh/fleetmesh/health"
	"github.com/fleetmesh/fleetmesh/ledger"
	"github.com/fleetmesh/fleetmesh/metrics"
)

type (
	BadRequestError     struct{ error }
	InternalServerError struct{ error }
)

// Server exposes the dispatcher and its bookkeeping over HTTP.
type Server struct {
	dispatcher *dispatch.Dispatcher
	tracker    *health.Tracker
	matrix     *capability.Matrix
	costLedger *ledger.Ledger
	collector  *feedback.Collector
	metrics    *metrics.Metrics

	// Bearer token required on API routes. Empty disables authentication.
	apiKey string

	logger *zap.SugaredLogger
}

func New(
	dispatcher *dispatch.Dispatcher,
	tracker *health.Tracker,
	matrix *capability.Matrix,
	costLedger *ledger.Ledger,
	collector *feedback.Collector,
	m *metrics.Metrics,
	apiKey string,
	logger *zap.SugaredLogger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		tracker:    tracker,
		matrix:     matrix,
		costLedger: costLedger,
		collector:  collector,
		metrics:    m,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Handler builds the route table. Everything under /v1 requires the
// bearer token; /metrics is left open for scrapers.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/reset", s.handleResetAll).Methods(http.MethodPost)
	api.HandleFunc("/health/reset/{provider}", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)

	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return router
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			headerSplit[1] != s.apiKey {
			http.Error(httpResponse, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(httpResponse, httpRequest)
	})
}

func (s *Server) handleDispatch(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}

	var request fleetmesh.Request
	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		s.logger.Warnw("Invalid request body", "error", err, "body", string(bodyBytes))
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(request.Prompt) == "" {
		handleError(httpResponse, BadRequestError{fmt.Errorf("no prompt provided")})
		return
	}
	if request.TaskType == "" {
		handleError(httpResponse, BadRequestError{fmt.Errorf("no task type provided")})
		return
	}
	if request.TierPreference != "" && !fleetmesh.ValidTier(request.TierPreference) {
		handleError(httpResponse, BadRequestError{fmt.Errorf("invalid tier: %s", request.TierPreference)})
		return
	}

	s.logger.Infow("Received dispatch request", "task_type", request.TaskType, "tier", request.TierPreference)

	result, err := s.dispatcher.Submit(httpRequest.Context(), &request)
	if err != nil {
		var failure *dispatch.Failure
		if errors.As(err, &failure) {
			s.logger.Warnw("Dispatch failed", "task_type", request.TaskType, "attempts", len(failure.Attempts))
			writeJSON(httpResponse, http.StatusServiceUnavailable, map[string]any{
				"error":    failure.Error(),
				"attempts": failure.Attempts,
			}, s.logger)
			return
		}
		s.logger.Errorw("Dispatch error", "error", err)
		handleError(httpResponse, InternalServerError{err})
		return
	}

	writeJSON(httpResponse, http.StatusOK, dispatchResponse{
		Response:  result.Response,
		Provider:  result.Provider,
		Tier:      result.Tier,
		LatencyMs: result.Latency.Milliseconds(),
		Cached:    result.Cached,
	}, s.logger)
}

type dispatchResponse struct {
	Response  *fleetmesh.Response `json:"response"`
	Provider  string              `json:"provider"`
	Tier      fleetmesh.Tier      `json:"tier"`
	LatencyMs int64               `json:"latency_ms"`
	Cached    bool                `json:"cached"`
}

func (s *Server) handleHealth(httpResponse http.ResponseWriter, _ *http.Request) {
	writeJSON(httpResponse, http.StatusOK, map[string]any{
		"providers": s.tracker.Report(),
	}, s.logger)
}

func (s *Server) handleReset(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	provider := mux.Vars(httpRequest)["provider"]
	s.tracker.Reset(httpRequest.Context(), provider)
	s.logger.Infow("Health reset", "provider", provider)
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAll(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.tracker.ResetAll(httpRequest.Context())
	s.logger.Infow("Health reset for all providers")
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapabilities(httpResponse http.ResponseWriter, _ *http.Request) {
	writeJSON(httpResponse, http.StatusOK, map[string]any{
		"cells": s.matrix.Snapshot(),
	}, s.logger)
}

func (s *Server) handleUsage(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	since := ledger.MonthStart(time.Now())
	if raw := httpRequest.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			handleError(httpResponse, BadRequestError{fmt.Errorf("invalid since timestamp: %s", raw)})
			return
		}
		since = parsed
	}

	usage, err := s.costLedger.Usage(httpRequest.Context(), since)
	if err != nil {
		s.logger.Errorw("Failed to aggregate usage", "error", err)
		handleError(httpResponse, InternalServerError{err})
		return
	}
	writeJSON(httpResponse, http.StatusOK, usage, s.logger)
}

type feedbackRequest struct {
	TaskType string `json:"task_type"`
	Note     string `json:"note"`
	Severity int    `json:"severity"`
	SampleID string `json:"sample_id,omitempty"`
}

func (s *Server) handleFeedback(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	var request feedbackRequest
	if err := json.NewDecoder(httpRequest.Body).Decode(&request); err != nil {
		s.logger.Warnw("Invalid feedback body", "error", err)
		http.Error(httpResponse, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.collector.Record(
		httpRequest.Context(), request.TaskType, request.Note, request.Severity, request.SampleID)
	if err != nil {
		handleError(httpResponse, BadRequestError{err})
		return
	}

	writeJSON(httpResponse, http.StatusCreated, record, s.logger)
}

func writeJSON(httpResponse http.ResponseWriter, status int, payload any, logger *zap.SugaredLogger) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	if err := json.NewEncoder(httpResponse).Encode(payload); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case BadRequestError:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case InternalServerError:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
