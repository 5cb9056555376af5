package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/botguard/botguard/internal/shared/models"
	"github.com/botguard/botguard/internal/usage"
)

// DB is the Postgres-backed usage ledger store. usage_records is
// append-only: rows are inserted once and aggregated on read, never
// updated.
type DB struct {
	conn *sql.DB
}

var _ usage.Store = (*DB)(nil)

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Insert appends a usage record
func (db *DB) Insert(ctx context.Context, rec usage.Record) error {
	query := `
		INSERT INTO usage_records (
			id, user_id, guild_id, model, prompt_tokens, completion_tokens,
			cost_units, estimated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.ID,
		rec.Subject.UserID,
		rec.Subject.GuildID,
		rec.ModelID,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.CostUnits,
		rec.Estimated,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// Summarize aggregates a subject's records since the given time
func (db *DB) Summarize(ctx context.Context, subject models.Subject, since time.Time) (usage.Summary, error) {
	query := `
		SELECT COALESCE(SUM(prompt_tokens + completion_tokens), 0),
		       COALESCE(SUM(cost_units), 0),
		       COUNT(*)
		FROM usage_records
		WHERE guild_id = $1 AND user_id = $2 AND created_at >= $3
	`

	var sum usage.Summary
	err := db.conn.QueryRowContext(ctx, query, subject.GuildID, subject.UserID, since).Scan(
		&sum.TotalTokens,
		&sum.TotalCost,
		&sum.MessageCount,
	)
	if err != nil {
		return usage.Summary{}, fmt.Errorf("database error: %w", err)
	}
	return sum, nil
}

// TokensSince returns total tokens consumed by a subject since the given time
func (db *DB) TokensSince(ctx context.Context, subject models.Subject, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM usage_records
		WHERE guild_id = $1 AND user_id = $2 AND created_at >= $3
	`

	var total int64
	err := db.conn.QueryRowContext(ctx, query, subject.GuildID, subject.UserID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return total, nil
}
