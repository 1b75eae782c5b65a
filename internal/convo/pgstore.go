package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/corvynix/voxctl/pkg/models"
)

// Repository is the durable write-through target for the Conversation
// Store's append-only turn log. The in-memory Store remains the source of
// truth for the hot read/write path (§5's single-writer-per-session rule
// is already enforced there); a Repository lets sessions and turns survive
// a process restart without changing that concurrency contract.
type Repository interface {
	SaveSession(ctx context.Context, session models.Session) error
	AppendTurn(ctx context.Context, sessionID string, turn models.SessionTurn) error
}

// PostgresRepository persists sessions and turns to a Postgres-wire-
// compatible database (Postgres or CockroachDB) via lib/pq.
type PostgresRepository struct {
	db *sql.DB

	stmtUpsertSession *sql.Stmt
	stmtInsertTurn    *sql.Stmt
}

// PostgresConfig holds connection parameters for PostgresRepository.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane local-development defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "voxctl",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresRepository opens a connection pool, verifies connectivity, and
// prepares every statement the Conversation Store needs.
func NewPostgresRepository(cfg PostgresConfig) (*PostgresRepository, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		int(cfg.ConnectTimeout.Seconds()),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("convo: open postgres repository: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convo: ping postgres repository: %w", err)
	}

	return newPostgresRepositoryFromDB(db)
}

// NewPostgresRepositoryFromDSN opens a repository from a raw connection
// string (e.g. one assembled by an external secrets manager), skipping
// PostgresConfig's field-by-field DSN construction.
func NewPostgresRepositoryFromDSN(dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("convo: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("convo: open postgres repository: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convo: ping postgres repository: %w", err)
	}
	return newPostgresRepositoryFromDB(db)
}

func newPostgresRepositoryFromDB(db *sql.DB) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db}
	if err := r.prepareStatements(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) prepareStatements() error {
	var err error

	r.stmtUpsertSession, err = r.db.Prepare(`
		INSERT INTO conversation_sessions
			(id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_activity_at = EXCLUDED.last_activity_at,
			turn_count = EXCLUDED.turn_count,
			context_summary = EXCLUDED.context_summary,
			last_summarized_turn = EXCLUDED.last_summarized_turn
	`)
	if err != nil {
		return fmt.Errorf("convo: prepare upsert session: %w", err)
	}

	r.stmtInsertTurn, err = r.db.Prepare(`
		INSERT INTO conversation_turns
			(session_id, turn_number, user_query, assistant_reply, tool_results, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("convo: prepare insert turn: %w", err)
	}

	return nil
}

// EnsureSchema creates the two tables the repository needs if they don't
// already exist. Deployments that run a real migration tool can skip this
// and create the same shape ahead of time.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			turn_count INT NOT NULL DEFAULT 0,
			context_summary TEXT NOT NULL DEFAULT '',
			last_summarized_turn INT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("convo: ensure conversation_sessions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_turns (
			session_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			user_query TEXT NOT NULL,
			assistant_reply TEXT NOT NULL,
			tool_results JSONB,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, turn_number)
		)
	`)
	if err != nil {
		return fmt.Errorf("convo: ensure conversation_turns: %w", err)
	}
	return nil
}

// SaveSession upserts the session row, implementing Repository.
func (r *PostgresRepository) SaveSession(ctx context.Context, session models.Session) error {
	_, err := r.stmtUpsertSession.ExecContext(ctx,
		session.SessionID, session.UserID, string(session.Mode), string(session.Status),
		session.CreatedAt, session.LastActivityAt, session.TurnCount,
		session.ContextSummary, session.LastSummarizedTurn,
	)
	if err != nil {
		return fmt.Errorf("convo: save session %s: %w", session.SessionID, err)
	}
	return nil
}

// AppendTurn inserts one turn row, implementing Repository.
func (r *PostgresRepository) AppendTurn(ctx context.Context, sessionID string, turn models.SessionTurn) error {
	toolResults, err := json.Marshal(turn.ToolResults)
	if err != nil {
		return fmt.Errorf("convo: marshal tool results for session %s turn %d: %w", sessionID, turn.TurnNumber, err)
	}

	_, err = r.stmtInsertTurn.ExecContext(ctx,
		sessionID, turn.TurnNumber, turn.UserQuery, turn.AssistantReply,
		toolResults, turn.DurationMs, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convo: append turn %d for session %s: %w", turn.TurnNumber, sessionID, err)
	}
	return nil
}

// Close closes the prepared statements and the underlying connection pool.
func (r *PostgresRepository) Close() error {
	if r.stmtUpsertSession != nil {
		_ = r.stmtUpsertSession.Close()
	}
	if r.stmtInsertTurn != nil {
		_ = r.stmtInsertTurn.Close()
	}
	return r.db.Close()
}
