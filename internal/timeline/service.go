// Package timeline is the gateway's audit trail: session operations, instance
// lifecycle events and scheduled job runs, kept in sqlite.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/fleetgate/internal/bus"
	"github.com/KafClaw/fleetgate/internal/gateway"
)

const defaultListLimit = 100

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db}, nil
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// RecordOperation stores one audited session operation.
func (s *TimelineService) RecordOperation(ctx context.Context, op gateway.Operation) error {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO operations
		(trace_id, op, instance_id, session_id, remote_session_id, user_id, outcome, error_class, error_text, duration_ms, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.TraceID, op.Op, op.InstanceID, op.SessionID, op.RemoteSessionID, op.UserID,
		op.Outcome, string(op.ErrorClass), op.Error, op.Duration.Milliseconds(), toMillis(op.Timestamp))
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// Operations returns recorded operations, newest first.
func (s *TimelineService) Operations(ctx context.Context, f OperationFilter) ([]OperationRecord, error) {
	query := `SELECT id, trace_id, op, instance_id, session_id, remote_session_id, user_id,
		outcome, error_class, error_text, duration_ms, at_ms FROM operations WHERE 1=1`
	var args []any
	for _, c := range []struct{ col, val string }{
		{"instance_id", f.InstanceID},
		{"session_id", f.SessionID},
		{"trace_id", f.TraceID},
		{"op", f.Op},
		{"outcome", f.Outcome},
	} {
		if c.val != "" {
			query += " AND " + c.col + " = ?"
			args = append(args, c.val)
		}
	}
	if !f.Since.IsZero() {
		query += " AND at_ms >= ?"
		args = append(args, toMillis(f.Since))
	}
	query += " ORDER BY at_ms DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := []OperationRecord{}
	for rows.Next() {
		var r OperationRecord
		var class string
		var durMs, atMs int64
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Op, &r.InstanceID, &r.SessionID, &r.RemoteSessionID, &r.UserID,
			&r.Outcome, &class, &r.Error, &durMs, &atMs); err != nil {
			return nil, err
		}
		r.ErrorClass = gateway.ErrorClass(class)
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.Timestamp = fromMillis(atMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summaries aggregates operations per instance since the given time.
func (s *TimelineService) Summaries(ctx context.Context, since time.Time) ([]InstanceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, COUNT(*),
		SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		MAX(at_ms)
		FROM operations WHERE at_ms >= ? AND instance_id != ''
		GROUP BY instance_id ORDER BY instance_id`,
		gateway.OutcomeError, gateway.OutcomePartial, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("summarize operations: %w", err)
	}
	defer rows.Close()

	var out []InstanceSummary
	for rows.Next() {
		var r InstanceSummary
		var last int64
		if err := rows.Scan(&r.InstanceID, &r.Total, &r.Errors, &r.Partial, &last); err != nil {
			return nil, err
		}
		r.LastAt = fromMillis(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordEvent stores one lifecycle event.
func (s *TimelineService) RecordEvent(ctx context.Context, ev *bus.Event) error {
	detail := "{}"
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return err
		}
		detail = string(b)
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lifecycle_events (event_type, instance_id, trace_id, detail, at_ms)
		VALUES (?, ?, ?, ?, ?)`, ev.Type, ev.InstanceID, ev.TraceID, detail, toMillis(at))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Attach subscribes the timeline to every event on b.
func (s *TimelineService) Attach(b *bus.EventBus) {
	b.Subscribe(bus.AllEvents, func(ev *bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordEvent(ctx, ev); err != nil {
			slog.Warn("Timeline: event write failed", "type", ev.Type, "instance", ev.InstanceID, "error", err)
		}
	})
}

// Events returns recorded lifecycle events, newest first.
func (s *TimelineService) Events(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	query := `SELECT id, event_type, instance_id, trace_id, detail, at_ms FROM lifecycle_events WHERE 1=1`
	var args []any
	if f.InstanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, f.InstanceID)
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += " AND at_ms >= ?"
		args = append(args, toMillis(f.Since))
	}
	query += " ORDER BY at_ms DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var r EventRecord
		var detail string
		var atMs int64
		if err := rows.Scan(&r.ID, &r.Type, &r.InstanceID, &r.TraceID, &detail, &atMs); err != nil {
			return nil, err
		}
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &r.Detail)
		}
		r.Timestamp = fromMillis(atMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes operations and events older than the cutoff and reports how
// many rows were removed.
func (s *TimelineService) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := toMillis(olderThan)
	var total int64
	for _, table := range []string{"operations", "lifecycle_events"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE at_ms < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- Scheduled Jobs ---

// UpsertScheduledJob records a job run.
func (s *TimelineService) UpsertScheduledJob(jobName, status string, runAt time.Time) error {
	now := toMillis(time.Now())
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (job_name, last_status, last_run_ms, run_count, updated_ms)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_run_ms = excluded.last_run_ms,
			run_count = scheduled_jobs.run_count + 1,
			updated_ms = excluded.updated_ms`,
		jobName, status, toMillis(runAt), now)
	return err
}

// GetScheduledJob returns a scheduled job record by name.
func (s *TimelineService) GetScheduledJob(jobName string) (*ScheduledJobRecord, error) {
	var r ScheduledJobRecord
	var lastRun, updated int64
	err := s.db.QueryRow(`SELECT id, job_name, last_status, last_run_ms, run_count, updated_ms
		FROM scheduled_jobs WHERE job_name = ?`, jobName).
		Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRun, &r.RunCount, &updated)
	if err != nil {
		return nil, err
	}
	r.LastRunAt, r.UpdatedAt = fromMillis(lastRun), fromMillis(updated)
	return &r, nil
}

// ListScheduledJobs returns all scheduled job records.
func (s *TimelineService) ListScheduledJobs() ([]ScheduledJobRecord, error) {
	rows, err := s.db.Query(`SELECT id, job_name, last_status, last_run_ms, run_count, updated_ms
		FROM scheduled_jobs ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJobRecord
	for rows.Next() {
		var r ScheduledJobRecord
		var lastRun, updated int64
		if err := rows.Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRun, &r.RunCount, &updated); err != nil {
			return nil, err
		}
		r.LastRunAt, r.UpdatedAt = fromMillis(lastRun), fromMillis(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// ParseOutcome validates an outcome filter value.
func ParseOutcome(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", gateway.OutcomeOK, gateway.OutcomeError, gateway.OutcomePartial:
		return v, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", s)
	}
}
