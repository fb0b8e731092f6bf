package model

import "time"

// MessageMetric is appended after every processing attempt.
type MessageMetric struct {
	MessageID        string    `db:"message_id"         json:"message_id"`
	Schema           string    `db:"schema_name"        json:"schema"`
	ConsumerID       string    `db:"consumer_id"        json:"consumer_id"`
	ProcessedAt      time.Time `db:"processed_at"       json:"processed_at"`
	ProcessingTimeMs int64     `db:"processing_time_ms" json:"processing_time_ms"`
	Success          bool      `db:"success"            json:"success"`
	RetryCount       int       `db:"retry_count"        json:"retry_count"`
	ErrorKind        string    `db:"error_kind"         json:"error_kind,omitempty"`
}

// SLOSummary aggregates message metrics for one consumer and schema.
type SLOSummary struct {
	ConsumerID  string  `db:"consumer_id" json:"consumer_id"`
	Schema      string  `db:"schema_name" json:"schema"`
	Total       uint64  `db:"total"       json:"total"`
	Succeeded   uint64  `db:"succeeded"   json:"succeeded"`
	SuccessRate float64 `db:"success_rate" json:"success_rate"`
	P95Ms       float64 `db:"p95_ms"      json:"p95_ms"`
}
