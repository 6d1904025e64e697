// Package audit provides the append-only, HMAC-signed trail of governance
// decisions. Every terminal action outcome, sandbox violation, approval
// resolution, and autonomy execution produces exactly one entry. Entries
// are immutable once written; the only delete path is retention expiry.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/audit")

// Event types recorded by the governance pipeline.
const (
	EventActionExecuted   = "action_executed"
	EventActionFailed     = "action_failed"
	EventActionBlocked    = "action_blocked"
	EventActionSkipped    = "action_skipped"
	EventActionRejected   = "action_rejected"
	EventApprovalRequest  = "approval_requested"
	EventApprovalResolved = "approval_resolved"
	EventApprovalTimeout  = "approval_timeout"
	EventViolation        = "violation"
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventScopeTransition  = "scope_transition"
	EventProposalExecuted = "proposal_executed"
	EventProposalFailed   = "proposal_execution_failed"
	EventProposalRollback = "proposal_rolled_back"
	EventPlanRejected     = "plan_rejected"
)

// Entry is one governance decision record.
type Entry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Workspace string          `json:"workspace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature"`
}

// Store persists signed audit entries in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (or creates) the audit database with HMAC signing.
// WAL journaling keeps appends durable under concurrent sessions: the
// entry is on disk before the caller proceeds to its side effect.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// SQLite permits one writer; a single pooled connection turns lock
	// contention into queueing instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	pragmas := `
	PRAGMA journal_mode=WAL;
	PRAGMA synchronous=FULL;
	`
	if _, err := db.ExecContext(context.Background(), pragmas); err != nil {
		return nil, fmt.Errorf("configuring audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		session_id TEXT,
		workspace TEXT,
		entry_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_entries(workspace);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append is the sole write path. It assigns ID and timestamp when unset,
// signs the entry, and persists it. Callers invoke it exactly once per
// decision point; a failed append is fatal to the caller because a lost
// entry breaks the core safety guarantee.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.event_type", e.EventType),
			attribute.String("audit.actor", e.Actor),
		))
	defer span.End()

	if e.ID == "" {
		e.ID = "aud_" + uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	entryJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	signature, err := s.signer.Sign(entryJSON)
	if err != nil {
		return fmt.Errorf("signing audit entry: %w", err)
	}
	e.Signature = signature

	entryJSONWithSig, _ := json.Marshal(e)

	query := `INSERT INTO audit_entries (id, actor, event_type, timestamp, session_id, workspace, entry_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.Actor, e.EventType, e.Timestamp, e.SessionID, e.Workspace,
		string(entryJSONWithSig), signature,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	return nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var entryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_json FROM audit_entries WHERE id = ?`, id,
	).Scan(&entryJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
		return nil, fmt.Errorf("unmarshaling audit entry: %w", err)
	}
	return &e, nil
}

// Filter narrows a List query. Zero values are ignored. Caller identity
// authorization is delegated to an external collaborator; this store only
// applies the structural filters it is handed.
type Filter struct {
	Actor     string
	Workspace string
	SessionID string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
}

// List returns entries matching the filter, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(
			attribute.String("audit.actor", f.Actor),
			attribute.String("audit.workspace", f.Workspace),
		))
	defer span.End()

	query := `SELECT entry_json FROM audit_entries WHERE 1=1`
	args := []interface{}{}

	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.Workspace != "" {
		query += ` AND workspace = ?`
		args = append(args, f.Workspace)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To)
	}

	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var entryJSON string
		if err := rows.Scan(&entryJSON); err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
			continue
		}
		results = append(results, e)
	}

	return results, nil
}

// Count returns the number of entries matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	query := `SELECT COUNT(*) FROM audit_entries WHERE 1=1`
	args := []interface{}{}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// Verify checks the HMAC signature integrity of an entry.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	e, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := e.Signature
	e.Signature = ""

	entryJSON, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}

	return s.signer.Verify(entryJSON, signature), nil
}

// PurgeOlderThan deletes entries past the retention window. This is the
// only delete path and only the retention sweeper calls it.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "audit.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE timestamp < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("audit.purged", n))
	return n, nil
}
