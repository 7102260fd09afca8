// Package api provides HTTP handlers for the dispatch core endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/templeobijnr/easy-islanders-sub001/internal/dispatch"
	"github.com/templeobijnr/easy-islanders-sub001/internal/idempotency"
	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/telemetry"
	"github.com/templeobijnr/easy-islanders-sub001/internal/util"
	"github.com/templeobijnr/easy-islanders-sub001/internal/webhook"
)

type createJobRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createJobHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	id, err := s.st.CreateJob(r.Context(), req.Kind)
	if err != nil {
		slog.Error("Server.createJobHandler: failed to create job", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create job"))
		return
	}

	slog.Info("Server.createJobHandler: job created", "jobID", id, "kind", req.Kind)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"job_id": id}))
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.st.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrJobNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getJobHandler: failed to load job", "jobID", r.PathValue("id"), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load job"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

type transitionRequest struct {
	ExpectedStatus string `json:"expected_status"`
	NewStatus      string `json:"new_status"`
}

func (s *Server) transitionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	jobID := r.PathValue("id")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.transitionHandler: failed to decode JSON", "jobID", jobID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// An Idempotency-Key header makes blind client retries safe: the recorded
	// result of the first execution is replayed instead of re-running the CAS.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		check, err := s.idem.Check(r.Context(), idemKey, idempotency.TTLClassAPI)
		if err == nil && check.IsDuplicate {
			var cached models.TransitionResult
			if jsonErr := json.Unmarshal([]byte(check.CachedResult), &cached); jsonErr == nil {
				slog.Debug("Server.transitionHandler: served cached transition", "jobID", jobID, "key", idemKey)
				writeJSONResponse(w, http.StatusOK, models.Success(cached))
				return
			}
		}
	}

	result, err := s.guard.Transition(r.Context(), jobID, req.ExpectedStatus, req.NewStatus)
	if err != nil {
		s.writeTransitionError(w, jobID, err)
		return
	}

	telemetry.TransitionSuccess.Inc()
	if idemKey != "" {
		if resultJSON, jsonErr := json.Marshal(result); jsonErr == nil {
			_ = s.idem.Record(r.Context(), idemKey, idempotency.TTLClassAPI, string(resultJSON))
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) writeTransitionError(w http.ResponseWriter, jobID string, err error) {
	var unknown *lifecycle.UnknownStatusError
	var invalid *lifecycle.InvalidTransitionError
	var conflict *lifecycle.CASConflictError

	switch {
	case errors.As(err, &unknown):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.As(err, &invalid):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
	case errors.As(err, &conflict):
		telemetry.TransitionConflicts.Inc()
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, models.ErrJobNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
	default:
		slog.Error("Server.transitionHandler: transition failed", "jobID", jobID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Transition failed"))
	}
}

type dispatchRequest struct {
	Kind           string `json:"kind"`
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Body           string `json:"body"`
	CorrelationID  string `json:"correlation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	TraceID        string `json:"trace_id"`
	MaxAttempts    int    `json:"max_attempts"`
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.dispatchHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if req.Channel == "" {
		req.Channel = "sms"
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = dispatch.IdempotencyKeyFor(req.Kind, req.Channel, req.CorrelationID, req.Body)
	}
	if req.TraceID == "" {
		req.TraceID = util.GenerateTraceID()
	}

	result, err := s.sender.SendExternalMessage(r.Context(), dispatch.SendRequest{
		IdempotencyKey: req.IdempotencyKey,
		AttemptID:      dispatch.NewAttemptID(),
		Kind:           req.Kind,
		Channel:        req.Channel,
		CorrelationID:  req.CorrelationID,
		To:             req.To,
		Body:           req.Body,
		TraceID:        req.TraceID,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.writeDispatchError(w, req.TraceID, err)
		return
	}

	if result.Sent {
		telemetry.DispatchSent.Inc()
	} else {
		telemetry.DispatchSuppressed.Inc()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) writeDispatchError(w http.ResponseWriter, traceID string, err error) {
	var retryable *dispatch.RetryableSendError
	var permanent *dispatch.PermanentDispatchFailureError

	switch {
	case errors.As(err, &permanent):
		telemetry.DispatchFailures.Inc()
		writeJSONResponse(w, http.StatusBadGateway, models.Error(err.Error()))
	case errors.As(err, &retryable):
		telemetry.DispatchFailures.Inc()
		slog.Warn("Server.dispatchHandler: retryable dispatch failure", "traceID", traceID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
	default:
		// Everything else is request validation.
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	}
}

func (s *Server) twilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioStatusHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Bad request"))
		return
	}
	telemetry.WebhookReceived.Inc()

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	sigStatus := s.sigValidator.Verify(s.callbackURL(r), params, r.Header.Get("X-Twilio-Signature"))
	if sigStatus == models.SignatureInvalid {
		// Recorded on the event, not rejected: the ledger correlation decides
		// whether the payload is actionable.
		slog.Warn("Server.twilioStatusHandler: invalid webhook signature", "remote", r.RemoteAddr)
	}

	event, err := webhook.TwilioStatusEventFromForm(r.PostForm, sigStatus, util.GenerateTraceID())
	if err != nil {
		slog.Warn("Server.twilioStatusHandler: malformed status callback", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.processor.ProcessProviderStatusEvent(r.Context(), event)
	if err != nil {
		slog.Error("Server.twilioStatusHandler: ingestion failed", "eventID", event.EventID(), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record event"))
		return
	}

	if result.WasDuplicate {
		telemetry.WebhookDuplicates.Inc()
	}
	if result.Quarantined {
		telemetry.WebhookQuarantined.Inc()
	}
	if !result.Processed {
		// A non-2xx response makes the provider redeliver; the event row is
		// already recorded so the retry only re-runs correlation.
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Event recorded, processing pending"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// callbackURL reconstructs the URL Twilio signed.
func (s *Server) callbackURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + r.URL.Path
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

type enqueueOutboxRequest struct {
	JobID       string            `json:"job_id"`
	Type        models.OutboxType `json:"type"`
	PayloadJSON json.RawMessage   `json:"payload"`
	MaxAttempts int               `json:"max_attempts"`
}

func (s *Server) enqueueOutboxHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req enqueueOutboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.enqueueOutboxHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.outboxMaxAttempts
	}

	id, err := s.queue.Enqueue(r.Context(), req.JobID, req.Type, string(req.PayloadJSON), req.MaxAttempts)
	if errors.Is(err, models.ErrInvalidOutboxType) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.enqueueOutboxHandler: failed to enqueue", "jobID", req.JobID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue work"))
		return
	}

	writeJSONResponse(w, http.StatusAccepted, models.Success(map[string]string{"outbox_id": id}))
}

func (s *Server) deadlockSweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.detector.ReleaseStuckJobs(r.Context())
	if err != nil {
		slog.Error("Server.deadlockSweepHandler: sweep failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Sweep failed"))
		return
	}

	telemetry.JobsReleased.Add(float64(result.JobsReleased))
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) stuckJobsHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.detector.GetStuckJobCount(r.Context())
	if err != nil {
		slog.Error("Server.stuckJobsHandler: count failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to count stuck jobs"))
		return
	}

	telemetry.StuckJobsGauge.Set(float64(count))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"stuck_jobs": count}))
}

func (s *Server) quarantineHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.st.ListQuarantineRecords(r.Context(), limit)
	if err != nil {
		slog.Error("Server.quarantineHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list quarantine records"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
