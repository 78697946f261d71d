// Postgres-backed Store implementation.
//
// Database Schema:
//   - applications table:
//     - id (varchar): primary key
//     - key (varchar): public identifier, unique
//     - secret (varchar): HMAC signing secret
//     - enabled (boolean)
//     - max_connections, max_subscriptions_per_conn,
//       max_client_events_per_second, max_channel_name_length (int)
//     - enable_client_messages (boolean)
//     - webhook_urls (text[]): bound webhook endpoints
package appregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store against a Postgres applications
// table via database/sql and github.com/lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `id, key, secret, enabled, max_connections, max_subscriptions_per_conn,
	max_client_events_per_second, max_channel_name_length, enable_client_messages, webhook_urls`

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*Application, error) {
	return p.scanOne(ctx, fmt.Sprintf(`SELECT %s FROM applications WHERE id = $1`, selectColumns), id)
}

func (p *PostgresStore) FindByKey(ctx context.Context, key string) (*Application, error) {
	return p.scanOne(ctx, fmt.Sprintf(`SELECT %s FROM applications WHERE key = $1`, selectColumns), key)
}

func (p *PostgresStore) scanOne(ctx context.Context, query string, arg string) (*Application, error) {
	row := p.db.QueryRowContext(ctx, query, arg)

	var app Application
	var webhookURLs pq.StringArray
	err := row.Scan(
		&app.ID, &app.Key, &app.Secret, &app.Enabled,
		&app.MaxConnections, &app.MaxSubscriptionsPerConn,
		&app.MaxClientEventsPerSecond, &app.MaxChannelNameLength,
		&app.EnableClientMessages, &webhookURLs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appregistry: postgres query: %w", err)
	}
	for _, url := range webhookURLs {
		app.Webhooks = append(app.Webhooks, WebhookBinding{URL: url})
	}
	return &app, nil
}
