package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewWithConn wraps an existing connection pool
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// ListProviderPricing returns every pricing row
func (db *DB) ListProviderPricing(ctx context.Context) ([]models.ProviderPricing, error) {
	query := `
		SELECT provider, model, input_per_1k_tokens, output_per_1k_tokens, updated_at
		FROM model_pricing
		ORDER BY provider, model
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderPricing
	for rows.Next() {
		var p models.ProviderPricing
		if err := rows.Scan(
			&p.Provider,
			&p.Model,
			&p.InputPer1kTokens,
			&p.OutputPer1kTokens,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pricing row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return out, nil
}

// LogDispatch records a dispatch. An empty ID is filled in.
func (db *DB) LogDispatch(ctx context.Context, log *models.DispatchLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}

	query := `
		INSERT INTO dispatch_logs (
			id, content_hash, model_version, origin, reason, provider, model,
			cost_usd, latency_ms, remote_attempted, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.ID,
		log.ContentHash,
		log.ModelVersion,
		log.Origin,
		log.Reason,
		log.Provider,
		log.Model,
		log.CostUSD,
		log.LatencyMs,
		log.RemoteAttempted,
		log.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch log: %w", err)
	}

	return nil
}
