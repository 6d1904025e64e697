package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/trust")

// ErrScopeNotFound is returned for unknown scope or client IDs.
var ErrScopeNotFound = errors.New("trust scope not found")

// Store persists trust scopes, their transition history, and the daily
// usage counters in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the trust database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening trust database: %w", err)
	}
	// SQLite permits one writer; a single pooled connection turns lock
	// contention into queueing instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS trust_scopes (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		state TEXT NOT NULL,
		scope_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trust_client ON trust_scopes(client_id);
	CREATE INDEX IF NOT EXISTS idx_trust_state ON trust_scopes(state);

	CREATE TABLE IF NOT EXISTS trust_transitions (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor TEXT NOT NULL,
		evidence TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_scope ON trust_transitions(scope_id);

	CREATE TABLE IF NOT EXISTS trust_daily_usage (
		scope_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope_id, domain, day)
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating trust schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create registers a new scope in the initial onboarding state.
func (s *Store) Create(ctx context.Context, scope *Scope) error {
	ctx, span := tracer.Start(ctx, "trust.create",
		trace.WithAttributes(attribute.String("trust.client_id", scope.ClientID)))
	defer span.End()

	if scope.ID == "" {
		scope.ID = "scope_" + uuid.New().String()[:12]
	}
	scope.State = StatePendingIdentity
	now := time.Now().UTC()
	scope.CreatedAt = now
	scope.UpdatedAt = now

	doc, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshaling trust scope: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_scopes (id, client_id, state, scope_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		scope.ID, scope.ClientID, string(scope.State), string(doc), now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting trust scope: %w", err)
	}
	return nil
}

// Get retrieves a scope by ID.
func (s *Store) Get(ctx context.Context, id string) (*Scope, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope_json FROM trust_scopes WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying trust scope: %w", err)
	}
	var scope Scope
	if err := json.Unmarshal([]byte(doc), &scope); err != nil {
		return nil, fmt.Errorf("unmarshaling trust scope: %w", err)
	}
	return &scope, nil
}

// GetByClient returns the most recently created scope for a client.
func (s *Store) GetByClient(ctx context.Context, clientID string) (*Scope, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope_json FROM trust_scopes WHERE client_id = ?
		 ORDER BY created_at DESC LIMIT 1`, clientID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying trust scope: %w", err)
	}
	var scope Scope
	if err := json.Unmarshal([]byte(doc), &scope); err != nil {
		return nil, fmt.Errorf("unmarshaling trust scope: %w", err)
	}
	return &scope, nil
}

// Advance moves a scope to the next state, recording the transition and
// its verification evidence in the same transaction. Illegal moves,
// including any move out of a terminal state, return an error without
// touching the database.
func (s *Store) Advance(ctx context.Context, scopeID string, to State, actor, evidence string) (*Transition, error) {
	ctx, span := tracer.Start(ctx, "trust.advance",
		trace.WithAttributes(
			attribute.String("trust.scope_id", scopeID),
			attribute.String("trust.to_state", string(to)),
		))
	defer span.End()

	scope, err := s.Get(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(scope.State, to); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	tr := &Transition{
		ID:        "trn_" + uuid.New().String()[:12],
		ScopeID:   scopeID,
		From:      scope.State,
		To:        to,
		Actor:     actor,
		Evidence:  evidence,
		Timestamp: now,
	}

	// Conditional update: a concurrent transition out of the same state
	// leaves zero rows here and the whole move fails cleanly.
	res, err := tx.ExecContext(ctx,
		`UPDATE trust_scopes SET state = ?, updated_at = ?,
		 scope_json = json_set(scope_json, '$.state', ?, '$.updated_at', ?)
		 WHERE id = ? AND state = ?`,
		string(to), now, string(to), now.Format(time.RFC3339Nano),
		scopeID, string(scope.State),
	)
	if err != nil {
		return nil, fmt.Errorf("updating trust scope state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("scope %s changed state concurrently", scopeID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trust_transitions (id, scope_id, from_state, to_state, actor, evidence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.ScopeID, string(tr.From), string(tr.To), tr.Actor, tr.Evidence, tr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("recording transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}
	return tr, nil
}

// Transitions returns the full state history for a scope, oldest first.
func (s *Store) Transitions(ctx context.Context, scopeID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_id, from_state, to_state, actor, evidence, timestamp
		 FROM trust_transitions WHERE scope_id = ? ORDER BY timestamp ASC`, scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var results []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var evidence sql.NullString
		if err := rows.Scan(&tr.ID, &tr.ScopeID, &from, &to, &tr.Actor, &evidence, &tr.Timestamp); err != nil {
			continue
		}
		tr.From = State(from)
		tr.To = State(to)
		tr.Evidence = evidence.String
		results = append(results, tr)
	}
	return results, nil
}

// TryConsumeDailyAction atomically consumes one slot of the scope's daily
// action budget for a domain. The check and the increment are one
// conditional statement so concurrent callers cannot overrun the limit.
// The day key is derived from the scope's timezone so the budget resets
// at the client's local midnight.
func (s *Store) TryConsumeDailyAction(ctx context.Context, scope *Scope, domain string, at time.Time) (bool, int, error) {
	ctx, span := tracer.Start(ctx, "trust.consume_daily",
		trace.WithAttributes(
			attribute.String("trust.scope_id", scope.ID),
			attribute.String("trust.domain", domain),
		))
	defer span.End()

	limit := scope.MaxDailyActions
	if limit <= 0 {
		return false, 0, nil
	}
	day, err := localDay(at, scope.Window.Timezone)
	if err != nil {
		return false, 0, err
	}
	domain = strings.ToLower(domain)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_daily_usage (scope_id, domain, day, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(scope_id, domain, day)
		 DO UPDATE SET count = count + 1 WHERE count < ?`,
		scope.ID, domain, day, limit,
	)
	if err != nil {
		return false, 0, fmt.Errorf("consuming daily budget: %w", err)
	}
	n, _ := res.RowsAffected()

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM trust_daily_usage WHERE scope_id = ? AND domain = ? AND day = ?`,
		scope.ID, domain, day,
	).Scan(&count)
	if err != nil {
		return false, 0, fmt.Errorf("reading daily budget: %w", err)
	}
	return n > 0, count, nil
}

// DailyUsage returns the current day's consumed budget for a domain.
func (s *Store) DailyUsage(ctx context.Context, scope *Scope, domain string, at time.Time) (int, error) {
	day, err := localDay(at, scope.Window.Timezone)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM trust_daily_usage WHERE scope_id = ? AND domain = ? AND day = ?`,
		scope.ID, strings.ToLower(domain), day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading daily usage: %w", err)
	}
	return count, nil
}

func localDay(t time.Time, tz string) (string, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return t.In(loc).Format("2006-01-02"), nil
}
