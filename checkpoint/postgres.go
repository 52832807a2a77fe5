package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/glimte/docflow-go/contracts"
)

// PostgresConfig configures the durable checkpoint store.
type PostgresConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	Database     string `yaml:"database" json:"database"`
	User         string `yaml:"user" json:"user"`
	Password     string `yaml:"password" json:"password"`
	SSLMode      string `yaml:"sslMode" json:"sslMode"`
	MaxOpenConns int    `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns" json:"maxIdleConns"`
}

// Dsn renders the config as a connection string for the pgx driver.
func (c PostgresConfig) Dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// PostgresStore is a durable Checkpointer backed by PostgreSQL. Suspended
// runs can outlive the process; resume loads from here days later.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against cfg. The connection is
// validated lazily; call Ping or Migrate to verify reachability.
func NewPostgresStore(cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.Dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("system", "checkpoint"),
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoint_latest (
	session_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	record     JSONB NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_snapshots (
	seq        BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	record     JSONB NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_snapshots_session
	ON checkpoint_snapshots (session_id, seq);
`

// Migrate creates the checkpoint tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate checkpoint schema: %w", err)
	}
	s.logger.Info("checkpoint schema ready")
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Save upserts the latest state and appends a snapshot, in one transaction.
func (s *PostgresStore) Save(ctx context.Context, record *contracts.ProcessingRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.SessionID == "" {
		return fmt.Errorf("record session ID cannot be empty")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	savedAt := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint_latest (session_id, status, record, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id)
		DO UPDATE SET status = $2, record = $3, saved_at = $4`,
		record.SessionID, string(record.Status), data, savedAt)
	if err != nil {
		return fmt.Errorf("save latest checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint_snapshots (session_id, record, saved_at)
		VALUES ($1, $2, $3)`,
		record.SessionID, data, savedAt)
	if err != nil {
		return fmt.Errorf("append checkpoint snapshot: %w", err)
	}

	return tx.Commit()
}

// Load returns the latest persisted state for a session.
func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*contracts.ProcessingRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM checkpoint_latest WHERE session_id = $1`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var record contracts.ProcessingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// History returns every snapshot for a session in save order.
func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]*contracts.ProcessingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM checkpoint_snapshots WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint history: %w", err)
	}
	defer rows.Close()

	var records []*contracts.ProcessingRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint snapshot: %w", err)
		}
		var record contracts.ProcessingRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint history: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return records, nil
}

// Delete removes all state for a session.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_snapshots WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_latest WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return tx.Commit()
}

// ListActive returns sessions whose latest snapshot is not terminal.
func (s *PostgresStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM checkpoint_latest WHERE status NOT IN ($1, $2)`,
		string(contracts.StatusCompleted), string(contracts.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}
