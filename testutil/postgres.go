package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/huebyte/echohub/db"
)

// SetupTestDB connects to TEST_PG_DSN, runs migrations and empties the chat
// tables. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	ResetTestDB(t, database)
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// ResetTestDB deletes users, messages and every channel except the default.
func ResetTestDB(t *testing.T, database *sql.DB) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM channels WHERE name <> 'general'`,
		`DELETE FROM users`,
	} {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("reset database: %v", err)
		}
	}
}
