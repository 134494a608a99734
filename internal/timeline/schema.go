package timeline

import (
	"time"

	"github.com/KafClaw/fleetgate/internal/gateway"
)

// Timestamps are stored as unix milliseconds so range filters compare numbers.
const Schema = `
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	op TEXT NOT NULL,
	instance_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	remote_session_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_instance ON operations(instance_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id);
CREATE INDEX IF NOT EXISTS idx_operations_trace ON operations(trace_id);
CREATE INDEX IF NOT EXISTS idx_operations_at ON operations(at_ms);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	instance_id TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}',
	at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_instance ON lifecycle_events(instance_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_lifecycle_at ON lifecycle_events(at_ms);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT UNIQUE NOT NULL,
	last_status TEXT NOT NULL DEFAULT '',
	last_run_ms INTEGER NOT NULL DEFAULT 0,
	run_count INTEGER NOT NULL DEFAULT 0,
	updated_ms INTEGER NOT NULL DEFAULT 0
);
`

// OperationRecord is one stored session operation.
type OperationRecord struct {
	ID int64 `json:"id"`
	gateway.Operation
}

// EventRecord is one stored lifecycle event.
type EventRecord struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	InstanceID string            `json:"instance_id"`
	TraceID    string            `json:"trace_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ScheduledJobRecord tracks the last run of a scheduled job.
type ScheduledJobRecord struct {
	ID         int64     `json:"id"`
	JobName    string    `json:"job_name"`
	LastStatus string    `json:"last_status"`
	LastRunAt  time.Time `json:"last_run_at"`
	RunCount   int       `json:"run_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OperationFilter narrows Operations. Zero fields match everything.
type OperationFilter struct {
	InstanceID string
	SessionID  string
	TraceID    string
	Op         string
	Outcome    string
	Since      time.Time
	Limit      int
}

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	InstanceID string
	Type       string
	Since      time.Time
	Limit      int
}

// InstanceSummary aggregates recorded operations for one instance.
type InstanceSummary struct {
	InstanceID string    `json:"instance_id"`
	Total      int       `json:"total"`
	Errors     int       `json:"errors"`
	Partial    int       `json:"partial"`
	LastAt     time.Time `json:"last_at"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
