// Package audit writes one document per login attempt to Elasticsearch.
// Recording is strictly best-effort: the audit trail must never fail or slow
// down an authentication call.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"browser-auth/internal/common/database"
	"browser-auth/internal/common/logger"
)

// AttemptRecord is the audit document for one authenticate call.
type AttemptRecord struct {
	TraceID           string    `json:"traceId"`
	OwnerID           string    `json:"ownerId"`
	AccountIdentifier string    `json:"accountIdentifier"`
	Success           bool      `json:"success"`
	SessionReused     bool      `json:"sessionReused"`
	Attempts          int       `json:"attempts"`
	ErrorCode         string    `json:"errorCode,omitempty"`
	Challenge         string    `json:"challenge,omitempty"`
	DurationMs        int64     `json:"durationMs"`
	Timestamp         time.Time `json:"timestamp"`
}

// Recorder indexes attempt records. A nil Recorder is valid and records
// nothing, so callers never need to branch on whether auditing is enabled.
type Recorder struct {
	es    *database.ElasticsearchClient
	index string
	log   logger.Logger
}

func NewRecorder(es *database.ElasticsearchClient, index string, log logger.Logger) *Recorder {
	if index == "" {
		index = "login-attempts"
	}
	return &Recorder{es: es, index: index, log: log}
}

// Record indexes one attempt document. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, record AttemptRecord) {
	if r == nil || r.es == nil {
		return
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(record)
	if err != nil {
		r.log.Warn("failed to marshal audit record", map[string]interface{}{
			"traceId": record.TraceID,
			"error":   err.Error(),
		})
		return
	}

	indexCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.es.Client.Index(
		r.index,
		bytes.NewReader(body),
		r.es.Client.Index.WithContext(indexCtx),
	)
	if err != nil {
		r.log.Warn("failed to index audit record", map[string]interface{}{
			"traceId": record.TraceID,
			"error":   err.Error(),
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		r.log.Warn("audit index request rejected", map[string]interface{}{
			"traceId": record.TraceID,
			"status":  res.Status(),
		})
	}
}
