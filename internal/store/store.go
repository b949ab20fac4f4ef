// Package store persists scan history to PostgreSQL. It keeps one row
// per session in scan_sessions and the per-port outcomes in
// scan_results, bootstrapping its schema from an embedded SQL file.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	// DefaultListLimit bounds session listings when the caller passes 0.
	DefaultListLimit = 50
)

// Config holds database connection settings.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default connection settings. Database name,
// username and password must be configured explicitly.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// DB wraps sqlx.DB with schema bootstrap and repository access.
type DB struct {
	*sqlx.DB
}

// Connect establishes a PostgreSQL connection and verifies it with a
// ping. Returned errors are sanitized and never carry the DSN.
func Connect(ctx context.Context, config Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.ErrorDatabase("Failed to close connection after ping failure", closeErr)
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection,
			"Failed to verify database connection", err)
	}

	logging.InfoDatabase("Connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// Bootstrap applies the embedded schema to the connected database.
func (db *DB) Bootstrap(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseSchema,
			"Failed to apply schema", err)
	}
	return nil
}

// SessionRecord is one stored scan session.
type SessionRecord struct {
	ID          string    `db:"id" json:"id"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	Targets     string    `db:"targets" json:"targets"`
	Ports       string    `db:"ports" json:"ports"`
	Protocols   string    `db:"protocols" json:"protocols"`
	TCPMode     string    `db:"tcp_mode" json:"tcp_mode"`
	Status      string    `db:"status" json:"status"`
	ResultCount int       `db:"result_count" json:"result_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ResultRecord is one stored probe outcome.
type ResultRecord struct {
	ID         int64  `db:"id" json:"-"`
	SessionID  string `db:"session_id" json:"session_id"`
	Target     string `db:"target" json:"target"`
	Protocol   string `db:"protocol" json:"protocol"`
	Port       int    `db:"port" json:"port"`
	State      string `db:"state" json:"state"`
	Diagnostic string `db:"diagnostic" json:"diagnostic"`
}

// Record summarizes a finished engine session for storage.
func Record(s *engine.Session) SessionRecord {
	spec := s.Spec

	protocols := make([]string, 0, 2)
	if spec.TCP {
		protocols = append(protocols, "TCP")
	}
	if spec.UDP {
		protocols = append(protocols, "UDP")
	}

	mode := "connect"
	if spec.UseSYN {
		mode = "syn"
	}

	ports := make([]string, len(spec.Ports))
	for i, port := range spec.Ports {
		ports[i] = strconv.Itoa(port)
	}

	return SessionRecord{
		ID:          s.ID,
		StartedAt:   s.StartedAt,
		DurationMS:  s.Duration().Milliseconds(),
		Targets:     strings.Join(spec.Targets, ","),
		Ports:       strings.Join(ports, ","),
		Protocols:   strings.Join(protocols, ","),
		TCPMode:     mode,
		Status:      s.Status(),
		ResultCount: s.Completed(),
	}
}

// Repository provides scan history operations.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over an open connection.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSession stores a session and its results in one transaction.
func (r *Repository) SaveSession(ctx context.Context, rec SessionRecord, results []engine.Result) error {
	start := time.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeError("begin save session", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const sessionQuery = `
		INSERT INTO scan_sessions
			(id, started_at, duration_ms, targets, ports, protocols, tcp_mode, status, result_count)
		VALUES
			(:id, :started_at, :duration_ms, :targets, :ports, :protocols, :tcp_mode, :status, :result_count)`
	if _, err := tx.NamedExecContext(ctx, sessionQuery, rec); err != nil {
		metrics.RecordDatabaseQuery("save_session", time.Since(start), false)
		return sanitizeError("save session", err)
	}

	const resultQuery = `
		INSERT INTO scan_results (session_id, target, protocol, port, state, diagnostic)
		VALUES (:session_id, :target, :protocol, :port, :state, :diagnostic)`
	for _, result := range results {
		row := ResultRecord{
			SessionID:  rec.ID,
			Target:     result.Target,
			Protocol:   string(result.Protocol),
			Port:       result.Port,
			State:      string(result.State),
			Diagnostic: result.Diagnostic,
		}
		if _, err := tx.NamedExecContext(ctx, resultQuery, row); err != nil {
			metrics.RecordDatabaseQuery("save_session", time.Since(start), false)
			return sanitizeError("save result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordDatabaseQuery("save_session", time.Since(start), false)
		return sanitizeError("commit save session", err)
	}

	metrics.RecordDatabaseQuery("save_session", time.Since(start), true)
	logging.InfoDatabase("Session stored", "session_id", rec.ID, "results", len(results))
	return nil
}

// ListSessions returns stored sessions, most recent first.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	start := time.Now()
	var sessions []SessionRecord
	const query = `
		SELECT id, started_at, duration_ms, targets, ports, protocols,
		       tcp_mode, status, result_count, created_at
		FROM scan_sessions
		ORDER BY started_at DESC
		LIMIT $1`
	if err := r.db.SelectContext(ctx, &sessions, query, limit); err != nil {
		metrics.RecordDatabaseQuery("list_sessions", time.Since(start), false)
		return nil, sanitizeError("list sessions", err)
	}

	metrics.RecordDatabaseQuery("list_sessions", time.Since(start), true)
	return sessions, nil
}

// GetSession returns one stored session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	start := time.Now()
	var session SessionRecord
	const query = `
		SELECT id, started_at, duration_ms, targets, ports, protocols,
		       tcp_mode, status, result_count, created_at
		FROM scan_sessions
		WHERE id = $1`
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		metrics.RecordDatabaseQuery("get_session", time.Since(start), false)
		return nil, sanitizeError("get session", err)
	}

	metrics.RecordDatabaseQuery("get_session", time.Since(start), true)
	return &session, nil
}

// GetResults returns the stored results of a session in insertion order.
func (r *Repository) GetResults(ctx context.Context, sessionID string) ([]ResultRecord, error) {
	start := time.Now()
	var results []ResultRecord
	const query = `
		SELECT id, session_id, target, protocol, port, state, diagnostic
		FROM scan_results
		WHERE session_id = $1
		ORDER BY id`
	if err := r.db.SelectContext(ctx, &results, query, sessionID); err != nil {
		metrics.RecordDatabaseQuery("get_results", time.Since(start), false)
		return nil, sanitizeError("get results", err)
	}

	metrics.RecordDatabaseQuery("get_results", time.Since(start), true)
	return results, nil
}

// DeleteSession removes a session and, via cascade, its results.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM scan_sessions WHERE id = $1`, id)
	if err != nil {
		metrics.RecordDatabaseQuery("delete_session", time.Since(start), false)
		return sanitizeError("delete session", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		metrics.RecordDatabaseQuery("delete_session", time.Since(start), false)
		return sanitizeError("delete session", err)
	}
	if affected == 0 {
		metrics.RecordDatabaseQuery("delete_session", time.Since(start), false)
		return errors.NewDatabaseError(errors.CodeNotFound, "Session not found")
	}

	metrics.RecordDatabaseQuery("delete_session", time.Since(start), true)
	return nil
}

// sanitizeError converts raw database errors into safe errors that do
// not expose SQL details or credentials. The original error stays in the
// Cause field for internal logging.
func sanitizeError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		dbErr := errors.NewDatabaseError(errors.CodeNotFound, "Session not found")
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	var dbErr *errors.DatabaseError
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Session already stored")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced session does not exist")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery,
				fmt.Sprintf("Database operation failed: %s", operation))
		}
	} else {
		dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery,
			fmt.Sprintf("Database operation failed: %s", operation))
	}

	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}
