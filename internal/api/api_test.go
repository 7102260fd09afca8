package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/templeobijnr/easy-islanders-sub001/internal/deadlock"
	"github.com/templeobijnr/easy-islanders-sub001/internal/dispatch"
	"github.com/templeobijnr/easy-islanders-sub001/internal/idempotency"
	"github.com/templeobijnr/easy-islanders-sub001/internal/lifecycle"
	"github.com/templeobijnr/easy-islanders-sub001/internal/messaging"
	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/outbox"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
	"github.com/templeobijnr/easy-islanders-sub001/internal/webhook"
)

// fakeProvider is a messaging.Provider that accepts everything and hands out
// sequential provider message ids.
type fakeProvider struct {
	mu       sync.Mutex
	sends    int
	failWith error
}

func (p *fakeProvider) ValidateAndCanonicalizeRecipient(to string) (string, error) {
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < models.MinRecipientDigits {
		return "", models.ErrEmptyRecipient
	}
	return b.String(), nil
}

func (p *fakeProvider) SendMessage(ctx context.Context, to, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.sends++
	return fmt.Sprintf("SM%06d", p.sends), nil
}

func (p *fakeProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends
}

// newTestServer wires a Server over an in-memory store and the fake provider.
func newTestServer() (*Server, *store.InMemoryStore, *fakeProvider) {
	st := store.NewInMemoryStore()
	guard := lifecycle.NewGuard(st)
	provider := &fakeProvider{}
	sender := dispatch.NewSender(st, provider)
	processor := webhook.NewProcessor(st, st, st, guard)
	detector := deadlock.NewDetector(st, guard)
	queue := outbox.NewQueue(st)
	idem := idempotency.NewGuard(st)
	sigValidator := messaging.NewSignatureValidator("")

	srv := NewServer(st, guard, sender, processor, detector, queue, idem, sigValidator)
	return srv, st, provider
}

func doJSON(t *testing.T, srv *Server, method, path string, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("{}")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v (body %q)", err, rr.Body.String())
	}
	return rr, resp
}

func createJob(t *testing.T, srv *Server, kind string) string {
	t.Helper()
	rr, resp := doJSON(t, srv, "POST", "/jobs", `{"kind":"`+kind+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create job status = %d, want 201", rr.Code)
	}
	result := resp.Result.(map[string]interface{})
	id, _ := result["job_id"].(string)
	if id == "" {
		t.Fatal("create job returned no job_id")
	}
	return id
}

func TestCreateAndGetJob(t *testing.T) {
	srv, _, _ := newTestServer()

	id := createJob(t, srv, "booking")

	rr, resp := doJSON(t, srv, "GET", "/jobs/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get job status = %d, want 200", rr.Code)
	}
	job := resp.Result.(map[string]interface{})
	if job["status"] != string(models.JobStatusCollecting) {
		t.Errorf("new job status = %v, want %v", job["status"], models.JobStatusCollecting)
	}
	if job["kind"] != "booking" {
		t.Errorf("job kind = %v, want booking", job["kind"])
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer()

	rr, _ := doJSON(t, srv, "GET", "/jobs/job_missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestTransitionHandler(t *testing.T) {
	srv, _, _ := newTestServer()
	id := createJob(t, srv, "booking")

	tests := []struct {
		name     string
		jobID    string
		body     string
		wantCode int
	}{
		{"valid transition", id, `{"expected_status":"collecting","new_status":"confirming"}`, http.StatusOK},
		{"stale replay conflicts", id, `{"expected_status":"collecting","new_status":"confirming"}`, http.StatusConflict},
		{"idempotent replay", id, `{"expected_status":"confirming","new_status":"confirming"}`, http.StatusOK},
		{"cas conflict", id, `{"expected_status":"collecting","new_status":"cancelled"}`, http.StatusConflict},
		{"unknown status", id, `{"expected_status":"confirming","new_status":"warp"}`, http.StatusBadRequest},
		{"invalid edge", id, `{"expected_status":"confirming","new_status":"completed"}`, http.StatusUnprocessableEntity},
		{"missing job", "job_missing", `{"expected_status":"collecting","new_status":"confirming"}`, http.StatusNotFound},
		{"bad json", id, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := doJSON(t, srv, "POST", "/jobs/"+tt.jobID+"/transition", tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}

	rr, resp := doJSON(t, srv, "GET", "/jobs/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rr.Code)
	}
	job := resp.Result.(map[string]interface{})
	if job["status"] != string(models.JobStatusConfirming) {
		t.Errorf("final status = %v, want %v", job["status"], models.JobStatusConfirming)
	}
}

func TestTransitionHandlerIdempotencyKeyReplay(t *testing.T) {
	srv, _, _ := newTestServer()
	id := createJob(t, srv, "booking")

	body := `{"expected_status":"collecting","new_status":"confirming"}`
	req := httptest.NewRequest("POST", "/jobs/"+id+"/transition", bytes.NewBufferString(body))
	req.Header.Set("Idempotency-Key", "txn-42")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", rr.Code)
	}

	// The replay carries a body that would be rejected if executed; the cached
	// result must be served instead.
	req = httptest.NewRequest("POST", "/jobs/"+id+"/transition", bytes.NewBufferString(`{"expected_status":"confirming","new_status":"completed"}`))
	req.Header.Set("Idempotency-Key", "txn-42")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rr.Code)
	}

	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("replay response invalid: %v", err)
	}
	result := resp.Result.(map[string]interface{})
	if result["new_status"] != string(models.JobStatusConfirming) {
		t.Errorf("cached new_status = %v, want %v", result["new_status"], models.JobStatusConfirming)
	}
}

func TestDispatchHandler(t *testing.T) {
	srv, _, provider := newTestServer()

	body := `{"kind":"booking_notice","channel":"sms","to":"+1 (905) 555-0101","body":"your booking is confirmed","correlation_id":"job_abc"}`
	rr, resp := doJSON(t, srv, "POST", "/dispatch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d (body %s)", rr.Code, rr.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["Sent"] != true {
		t.Errorf("Sent = %v, want true", result["Sent"])
	}
	record := result["Record"].(map[string]interface{})
	if record["to_address"] != "19055550101" {
		t.Errorf("to_address = %v, want canonical digits", record["to_address"])
	}
	if record["provider_message_id"] == "" {
		t.Error("provider_message_id is empty after send")
	}

	// Same logical message again: suppressed by the ledger, no provider call.
	rr, resp = doJSON(t, srv, "POST", "/dispatch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("resend status = %d", rr.Code)
	}
	result = resp.Result.(map[string]interface{})
	if result["Sent"] != false {
		t.Errorf("resend Sent = %v, want false", result["Sent"])
	}
	if provider.sendCount() != 1 {
		t.Errorf("provider sends = %d, want 1", provider.sendCount())
	}
}

func TestDispatchHandlerValidation(t *testing.T) {
	srv, _, provider := newTestServer()

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{"to":"+19055550101","correlation_id":"job_abc"}`},
		{"empty correlation", `{"to":"+19055550101","body":"hi there"}`},
		{"short recipient", `{"to":"123","body":"hi there","correlation_id":"job_abc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := doJSON(t, srv, "POST", "/dispatch", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
	if provider.sendCount() != 0 {
		t.Errorf("provider sends = %d, want 0", provider.sendCount())
	}
}

func TestDispatchHandlerProviderFailure(t *testing.T) {
	srv, _, provider := newTestServer()
	provider.failWith = errors.New("carrier unavailable")

	body := `{"to":"+19055550101","body":"hello","correlation_id":"job_down"}`
	rr, _ := doJSON(t, srv, "POST", "/dispatch", body)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func postTwilioStatus(t *testing.T, srv *Server, form url.Values) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("webhook response invalid: %v (body %q)", err, rr.Body.String())
	}
	return rr, resp
}

func TestTwilioStatusWebhookConfirmsJob(t *testing.T) {
	srv, st, _ := newTestServer()
	ctx := context.Background()

	jobID := createJob(t, srv, "booking")
	for _, step := range [][2]string{
		{"collecting", "confirming"},
		{"confirming", "dispatched"},
	} {
		rr, _ := doJSON(t, srv, "POST", "/jobs/"+jobID+"/transition",
			`{"expected_status":"`+step[0]+`","new_status":"`+step[1]+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("transition %v status = %d", step, rr.Code)
		}
	}

	body := `{"to":"+19055550101","body":"see you at 4pm","correlation_id":"` + jobID + `"}`
	rr, resp := doJSON(t, srv, "POST", "/dispatch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d", rr.Code)
	}
	record := resp.Result.(map[string]interface{})["Record"].(map[string]interface{})
	sid := record["provider_message_id"].(string)

	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("MessageStatus", "delivered")
	rr, resp = postTwilioStatus(t, srv, form)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d (body %s)", rr.Code, rr.Body.String())
	}
	result := resp.Result.(map[string]interface{})
	if result["Processed"] != true {
		t.Errorf("Processed = %v, want true", result["Processed"])
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusConfirmed {
		t.Errorf("job status = %v, want %v", job.Status, models.JobStatusConfirmed)
	}
	if job.DispatchEvidenceJSON == "" {
		t.Error("no dispatch evidence attached after delivery callback")
	}
}

func TestTwilioStatusWebhookQuarantine(t *testing.T) {
	srv, _, _ := newTestServer()

	form := url.Values{}
	form.Set("MessageSid", "SM_unknown")
	form.Set("MessageStatus", "delivered")
	rr, resp := postTwilioStatus(t, srv, form)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rr.Code)
	}
	result := resp.Result.(map[string]interface{})
	if result["Quarantined"] != true {
		t.Errorf("Quarantined = %v, want true", result["Quarantined"])
	}

	rr, resp = doJSON(t, srv, "GET", "/admin/quarantine", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("quarantine list status = %d", rr.Code)
	}
	records := resp.Result.([]interface{})
	if len(records) != 1 {
		t.Fatalf("quarantine records = %d, want 1", len(records))
	}
}

func TestTwilioStatusWebhookDuplicate(t *testing.T) {
	srv, _, _ := newTestServer()

	form := url.Values{}
	form.Set("MessageSid", "SM_unknown")
	form.Set("MessageStatus", "delivered")
	if rr, _ := postTwilioStatus(t, srv, form); rr.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rr.Code)
	}

	rr, resp := postTwilioStatus(t, srv, form)
	if rr.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", rr.Code)
	}
	result := resp.Result.(map[string]interface{})
	if result["WasDuplicate"] != true {
		t.Errorf("WasDuplicate = %v, want true", result["WasDuplicate"])
	}
}

func TestTwilioStatusWebhookMissingSid(t *testing.T) {
	srv, _, _ := newTestServer()

	form := url.Values{}
	form.Set("MessageStatus", "delivered")
	rr, _ := postTwilioStatus(t, srv, form)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestEnqueueOutboxHandler(t *testing.T) {
	srv, st, _ := newTestServer()
	ctx := context.Background()

	rr, resp := doJSON(t, srv, "POST", "/outbox",
		`{"job_id":"job_abc","type":"provider_send","payload":{"to":"+19055550101"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d (body %s)", rr.Code, rr.Body.String())
	}
	id := resp.Result.(map[string]interface{})["outbox_id"].(string)

	entry, err := st.GetOutboxEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxEntry: %v", err)
	}
	if entry.Status != models.OutboxStatusPending {
		t.Errorf("entry status = %v, want pending", entry.Status)
	}
	if entry.Type != models.OutboxTypeProviderSend {
		t.Errorf("entry type = %v, want %v", entry.Type, models.OutboxTypeProviderSend)
	}

	rr, _ = doJSON(t, srv, "POST", "/outbox", `{"job_id":"job_abc","type":"teleport"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid type status = %d, want 400", rr.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, _, _ := newTestServer()

	rr, resp := doJSON(t, srv, "POST", "/admin/deadlock-sweep", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", rr.Code)
	}
	result := resp.Result.(map[string]interface{})
	if result["jobs_released"] != float64(0) {
		t.Errorf("jobs_released = %v, want 0", result["jobs_released"])
	}

	rr, resp = doJSON(t, srv, "GET", "/admin/stuck-jobs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stuck-jobs status = %d", rr.Code)
	}
	result = resp.Result.(map[string]interface{})
	if result["stuck_jobs"] != float64(0) {
		t.Errorf("stuck_jobs = %v, want 0", result["stuck_jobs"])
	}

	rr, _ = doJSON(t, srv, "GET", "/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}
