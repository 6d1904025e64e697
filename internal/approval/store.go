// Package approval implements the human approval gate. High-risk steps
// pause the session until an operator approves, rejects, or the deadline
// passes. A request resolves exactly once: approval, rejection, and
// timeout all race through the same conditional update.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/approval")

// Request status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusTimedOut = "timed_out"
)

// ErrAlreadyResolved is returned when a resolution races another and
// loses. The request keeps its first resolution.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// ErrRequestNotFound is returned for unknown request IDs.
var ErrRequestNotFound = errors.New("approval request not found")

// Context captures why the step needs approval, shown to the operator.
type Context struct {
	Category     string   `json:"category,omitempty"`
	MatchedClass string   `json:"matched_class,omitempty"`
	RiskScore    float64  `json:"risk_score"`
	RiskFactors  []string `json:"risk_factors,omitempty"`
	Description  string   `json:"description,omitempty"`
	TargetURL    string   `json:"target_url,omitempty"`
}

// Request is one pending or resolved approval.
type Request struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ActionID   string    `json:"action_id"`
	ActionType string    `json:"action_type"`
	Context    Context   `json:"context"`
	Status     string    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the request has left the pending state.
func (r *Request) Resolved() bool {
	return r.Status != StatusPending
}

// Store persists approval requests in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the approval database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening approval database: %w", err)
	}
	// SQLite permits one writer; a single pooled connection turns lock
	// contention into queueing instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		deadline TIMESTAMP NOT NULL,
		request_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_session ON approval_requests(session_id);
	CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating approval schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new pending request.
func (s *Store) Create(ctx context.Context, req *Request) error {
	ctx, span := tracer.Start(ctx, "approval.create",
		trace.WithAttributes(attribute.String("approval.session_id", req.SessionID)))
	defer span.End()

	if req.ID == "" {
		req.ID = "apr_" + uuid.New().String()[:12]
	}
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling approval request: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, session_id, status, deadline, request_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.Status, req.Deadline, string(doc), req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting approval request: %w", err)
	}
	return nil
}

// Get retrieves a request by ID.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT request_json FROM approval_requests WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying approval request: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return nil, fmt.Errorf("unmarshaling approval request: %w", err)
	}
	return &req, nil
}

// ListPending returns all unresolved requests, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_json FROM approval_requests WHERE status = ? ORDER BY created_at ASC`,
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer rows.Close()

	var results []Request
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(doc), &req); err != nil {
			continue
		}
		results = append(results, req)
	}
	return results, nil
}

// Resolve moves a pending request to a terminal status. The conditional
// update is the whole race arbiter: whichever caller flips the row from
// pending wins, every later caller gets ErrAlreadyResolved.
func (s *Store) Resolve(ctx context.Context, id, status, resolvedBy, comment string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.resolve",
		trace.WithAttributes(
			attribute.String("approval.id", id),
			attribute.String("approval.status", status),
		))
	defer span.End()

	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req.Status = status
	req.ResolvedBy = resolvedBy
	req.Comment = comment
	req.ResolvedAt = now

	doc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling approval request: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, request_json = ?
		 WHERE id = ? AND status = ?`,
		status, string(doc), id, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving approval request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyResolved
	}
	return req, nil
}
