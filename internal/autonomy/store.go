package autonomy

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/autonomy")

// Proposal status values. The lifecycle is pending -> approved or
// rejected, approved -> executed, executed -> rolled_back. Each move is a
// conditional update so a status can never be skipped or repeated.
const (
	ProposalPending    = "pending"
	ProposalApproved   = "approved"
	ProposalRejected   = "rejected"
	ProposalExecuted   = "executed"
	ProposalRolledBack = "rolled_back"
)

var (
	// ErrProposalNotFound is returned for unknown proposal IDs.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrWrongStatus is returned when a lifecycle move finds the proposal
	// in a different status than the move requires.
	ErrWrongStatus = errors.New("proposal is not in the required status")
	// ErrTokenSpent is returned when a rollback token has already been
	// used or has expired.
	ErrTokenSpent = errors.New("rollback token is spent or expired")
)

// Proposal is one pre-approved change awaiting execution.
type Proposal struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Domain      string          `json:"domain"`
	ChangeType  string          `json:"change_type"`
	RiskLevel   string          `json:"risk_level"`
	Target      string          `json:"target"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is the immutable record of one proposal run.
type Execution struct {
	ID               string    `json:"id"`
	ProposalID       string    `json:"proposal_id"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	BeforeSnapshotID string    `json:"before_snapshot_id,omitempty"`
	AfterSnapshotID  string    `json:"after_snapshot_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// RollbackToken authorizes exactly one restore of a proposal's before
// state, until it expires.
type RollbackToken struct {
	Token      string    `json:"token"`
	ProposalID string    `json:"proposal_id"`
	SnapshotID string    `json:"snapshot_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}

// Store persists proposals, executions, and rollback tokens in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the autonomy database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening autonomy database: %w", err)
	}
	// SQLite permits one writer; a single pooled connection turns lock
	// contention into queueing instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		proposal_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_client ON proposals(client_id);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		execution_json TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_proposal ON executions(proposal_id);

	CREATE TABLE IF NOT EXISTS rollback_tokens (
		token TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating autonomy schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProposal registers a new pending proposal.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	ctx, span := tracer.Start(ctx, "autonomy.create_proposal",
		trace.WithAttributes(attribute.String("proposal.client_id", p.ClientID)))
	defer span.End()

	if p.ID == "" {
		p.ID = "prop_" + uuid.New().String()[:12]
	}
	p.Status = ProposalPending
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling proposal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, client_id, status, proposal_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.Status, string(doc), now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT proposal_json FROM proposals WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying proposal: %w", err)
	}
	var p Proposal
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling proposal: %w", err)
	}
	return &p, nil
}

// ListProposals returns a client's proposals, newest first. An empty
// status matches all.
func (s *Store) ListProposals(ctx context.Context, clientID, status string) ([]Proposal, error) {
	query := `SELECT proposal_json FROM proposals WHERE client_id = ?`
	args := []interface{}{clientID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var results []Proposal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var p Proposal
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			continue
		}
		results = append(results, p)
	}
	return results, nil
}

// MoveStatus advances a proposal from one lifecycle status to the next.
// A concurrent move of the same proposal leaves zero affected rows and
// returns ErrWrongStatus.
func (s *Store) MoveStatus(ctx context.Context, id, from, to string) (*Proposal, error) {
	ctx, span := tracer.Start(ctx, "autonomy.move_status",
		trace.WithAttributes(
			attribute.String("proposal.id", id),
			attribute.String("proposal.to_status", to),
		))
	defer span.End()

	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now

	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling proposal: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, proposal_json = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, string(doc), now, id, from,
	)
	if err != nil {
		return nil, fmt.Errorf("updating proposal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: wanted %s", ErrWrongStatus, from)
	}
	return p, nil
}

// RecordExecution persists an execution record. Records are never
// updated; a retry after failure produces a new record.
func (s *Store) RecordExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = "exec_" + uuid.New().String()[:12]
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, proposal_id, execution_json, started_at)
		 VALUES (?, ?, ?, ?)`,
		e.ID, e.ProposalID, string(doc), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// Executions returns a proposal's run history, oldest first.
func (s *Store) Executions(ctx context.Context, proposalID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_json FROM executions WHERE proposal_id = ? ORDER BY started_at ASC`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var e Execution
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			continue
		}
		results = append(results, e)
	}
	return results, nil
}

// IssueToken mints a rollback token bound to a proposal's before
// snapshot. The token value is 32 random bytes, hex encoded.
func (s *Store) IssueToken(ctx context.Context, proposalID, snapshotID string, ttl time.Duration) (*RollbackToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating rollback token: %w", err)
	}
	t := &RollbackToken{
		Token:      hex.EncodeToString(raw),
		ProposalID: proposalID,
		SnapshotID: snapshotID,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollback_tokens (token, proposal_id, snapshot_id, expires_at, used)
		 VALUES (?, ?, ?, ?, 0)`,
		t.Token, t.ProposalID, t.SnapshotID, t.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting rollback token: %w", err)
	}
	return t, nil
}

// GetToken reads a rollback token without consuming it. Unknown tokens
// return ErrTokenSpent so a forged value is indistinguishable from a
// used one.
func (s *Store) GetToken(ctx context.Context, token string) (*RollbackToken, error) {
	var t RollbackToken
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, proposal_id, snapshot_id, expires_at, used FROM rollback_tokens WHERE token = ?`,
		token,
	).Scan(&t.Token, &t.ProposalID, &t.SnapshotID, &t.ExpiresAt, &used)
	if err == sql.ErrNoRows {
		return nil, ErrTokenSpent
	}
	if err != nil {
		return nil, fmt.Errorf("reading rollback token: %w", err)
	}
	t.Used = used == 1
	return &t, nil
}

// MarkTokenUsed consumes a rollback token once its restore has landed.
// The conditional update keeps the token single use: a second mark
// affects zero rows and returns ErrTokenSpent.
func (s *Store) MarkTokenUsed(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "autonomy.consume_token")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rollback_tokens SET used = 1 WHERE token = ? AND used = 0`, token,
	)
	if err != nil {
		return fmt.Errorf("consuming rollback token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenSpent
	}
	return nil
}
