package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
)

// PostgresConfig configures the archive connection.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WriteTimeout bounds a single insert.
	WriteTimeout time.Duration
}

// PostgresLog archives events into an "events" table. Like FileLog it is
// write-only from the process' point of view.
type PostgresLog struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id UUID PRIMARY KEY,
	type VARCHAR(64) NOT NULL,
	confidence DOUBLE PRECISION,
	ts TIMESTAMPTZ NOT NULL,
	mode VARCHAR(16) NOT NULL,
	meta JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// eventRow is the column mapping for inserts.
type eventRow struct {
	ID         string    `db:"id"`
	Type       string    `db:"type"`
	Confidence *float64  `db:"confidence"`
	Timestamp  time.Time `db:"ts"`
	Mode       string    `db:"mode"`
	Meta       string    `db:"meta"`
}

// NewPostgresLog connects, pings and creates the schema.
func NewPostgresLog(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresLog, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresLog{db: db, logger: logger.Named("postgres-log"), timeout: cfg.WriteTimeout}, nil
}

const insertEventSQL = `
	INSERT INTO events (id, type, confidence, ts, mode, meta)
	VALUES (:id, :type, :confidence, :ts, :mode, :meta)
	ON CONFLICT (id) DO NOTHING
`

// newEventRow maps e to its columns. A nil Meta is stored as "{}" and a
// nil Confidence as NULL.
func newEventRow(e event.Event) (eventRow, error) {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eventRow{}, fmt.Errorf("failed to marshal meta: %w", err)
	}
	return eventRow{
		ID:         e.ID,
		Type:       e.Type,
		Confidence: e.Confidence,
		Timestamp:  e.Timestamp.UTC(),
		Mode:       string(e.Mode),
		Meta:       string(metaJSON),
	}, nil
}

// Append inserts e. Re-inserting an existing ID is a no-op.
func (p *PostgresLog) Append(e event.Event) error {
	row, err := newEventRow(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.db.NamedExecContext(ctx, insertEventSQL, row); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// HealthCheck verifies database connectivity
func (p *PostgresLog) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresLog) Close() error {
	p.logger.Info("Closing event archive")
	return p.db.Close()
}
