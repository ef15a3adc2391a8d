package audit

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sink is the optional persistent half of the activity trail: a pgx-backed
// append-only log of dispatched operations, independent of the in-memory
// Hub's live broadcast. A nil *Sink is valid and simply drops every record,
// so running without a configured database is a no-op, not an error.
type Sink struct {
	pool *pgxpool.Pool
}

// NewSink opens a connection pool to dsn with retry logic: up to 10 attempts
// with a 3-second delay, covering the window where the database accepts TCP
// connections but hasn't finished initializing yet.
func NewSink(ctx context.Context, dsn string) (*Sink, error) {
	const maxRetries = 10
	const retryDelay = 3 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			lastErr = fmt.Errorf("create connection pool: %w", err)
		} else if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			lastErr = fmt.Errorf("ping database: %w", pingErr)
		} else {
			return &Sink{pool: pool}, nil
		}

		if attempt < maxRetries {
			log.Warn().Err(lastErr).Int("attempt", attempt).Int("max", maxRetries).
				Msgf("audit database not ready, retrying in %s", retryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("connect to audit database after %d attempts: %w", maxRetries, lastErr)
}

// Close releases the pool. Safe to call on a nil *Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}

// RunMigrations applies every migration under migrations/ not yet recorded
// in schema_migrations, in filename order.
func (s *Sink) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	for _, filename := range migrations {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", filename,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration status for %s: %w", filename, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}

		log.Info().Str("migration", filename).Msg("applying audit log migration")
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filename, err)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", filename,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
	}
	return nil
}

// Record appends one activity event to the audit log. Failures are logged,
// not returned: a dispatch-path caller should never block or fail a client
// response because the audit sink is unavailable. A nil *Sink is a silent
// no-op, so callers need not guard every call site on whether audit logging
// is configured.
func (s *Sink) Record(ctx context.Context, e ActivityEvent) {
	if s == nil {
		return
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (occurred_at, user_id, user_email, method, target, tool, duration_ms, status, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Timestamp, e.UserID, e.UserEmail, e.Method, e.Target, e.Tool, e.DurationMS, e.Status, e.TraceID)
	if err != nil {
		log.Warn().Err(err).Msg("audit: failed to persist activity event")
	}
}
