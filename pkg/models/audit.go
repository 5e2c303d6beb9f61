package models

import "time"

// AuditEntry records a single request event.
type AuditEntry struct {
	ID             int64          `json:"id,omitempty"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Identity       string         `json:"identity,omitempty"`
	Operation      string         `json:"operation"`
	Path           string         `json:"path"`
	Status         string         `json:"status"`
	ResponseCode   int            `json:"response_code"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	ClientIP       string         `json:"client_ip"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
