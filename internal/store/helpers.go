package store

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
)

// statusArray adapts a status slice for a Postgres ANY($n) clause.
func statusArray(statuses []models.JobStatus) interface{} {
	arr := make([]string, len(statuses))
	for i, st := range statuses {
		arr[i] = string(st)
	}
	return pq.Array(arr)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var previousStatus, timeoutReason, evidenceJSON sql.NullString
	var dispatchedAt, confirmedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &previousStatus, &timeoutReason, &evidenceJSON,
		&dispatchedAt, &confirmedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PreviousStatus = models.JobStatus(previousStatus.String)
	j.TimeoutReason = timeoutReason.String
	j.DispatchEvidenceJSON = evidenceJSON.String
	if dispatchedAt.Valid {
		j.DispatchedAt = &dispatchedAt.Time
	}
	if confirmedAt.Valid {
		j.ConfirmedAt = &confirmedAt.Time
	}
	return j, nil
}

func scanDispatchMessage(row rowScanner) (models.DispatchMessage, error) {
	var m models.DispatchMessage
	var providerMessageID, lastAttemptID, lastError, providerStatus, providerErrorCode sql.NullString
	err := row.Scan(
		&m.ID, &m.Kind, &m.Channel, &m.CorrelationID, &m.ToAddress, &m.Body,
		&providerMessageID, &m.Status, &m.Attempts, &lastAttemptID, &lastError,
		&providerStatus, &providerErrorCode, &m.UpdateCount, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.ProviderMessageID = providerMessageID.String
	m.LastAttemptID = lastAttemptID.String
	m.LastError = lastError.String
	m.ProviderStatus = providerStatus.String
	m.ProviderErrorCode = providerErrorCode.String
	return m, nil
}

func scanWebhookEvent(row rowScanner) (models.WebhookEvent, error) {
	var e models.WebhookEvent
	var normalizedJSON, dispatchMessageID, jobID, traceID sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Provider, &e.Kind, &e.ProviderEventID, &e.SignatureStatus,
		&normalizedJSON, &e.Processed, &e.Quarantined, &dispatchMessageID, &jobID,
		&traceID, &e.CreatedAt, &processedAt,
	)
	if err != nil {
		return e, err
	}
	e.NormalizedJSON = normalizedJSON.String
	e.DispatchMessageID = dispatchMessageID.String
	e.JobID = jobID.String
	e.TraceID = traceID.String
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}

func scanQuarantineRecord(row rowScanner) (models.WebhookQuarantineRecord, error) {
	var q models.WebhookQuarantineRecord
	var payloadJSON sql.NullString
	err := row.Scan(&q.ID, &q.Provider, &q.Kind, &q.ProviderEventID, &q.Reason, &payloadJSON, &q.CreatedAt)
	if err != nil {
		return q, fmt.Errorf("scan quarantine record failed: %w", err)
	}
	q.PayloadJSON = payloadJSON.String
	return q, nil
}

func scanOutboxEntry(row rowScanner) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var payloadJSON, lastAttemptID, lastError, evidenceJSON sql.NullString
	err := row.Scan(
		&e.ID, &e.JobID, &e.Type, &payloadJSON, &e.Status, &e.Attempts, &e.MaxAttempts,
		&lastAttemptID, &lastError, &evidenceJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.PayloadJSON = payloadJSON.String
	e.LastAttemptID = lastAttemptID.String
	e.LastError = lastError.String
	e.EvidenceJSON = evidenceJSON.String
	return e, nil
}
