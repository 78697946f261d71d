package appregistry

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreFindByKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "key", "secret", "enabled", "max_connections", "max_subscriptions_per_conn",
		"max_client_events_per_second", "max_channel_name_length", "enable_client_messages", "webhook_urls",
	}).AddRow("app1", "demo-key", "demo-secret", true, 1000, 10, 20, 200, true, pq.StringArray{"https://example.com/hook"})

	mock.ExpectQuery("SELECT .* FROM applications WHERE key").WithArgs("demo-key").WillReturnRows(rows)

	store := NewPostgresStore(db)
	app, err := store.FindByKey(context.Background(), "demo-key")
	require.NoError(t, err)
	require.Equal(t, "app1", app.ID)
	require.Equal(t, "demo-secret", app.Secret)
	require.Len(t, app.Webhooks, 1)
	require.Equal(t, "https://example.com/hook", app.Webhooks[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreFindByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM applications WHERE id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	store := NewPostgresStore(db)
	_, err = store.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
