package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("SUCCESS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SUCCESS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	if err := ApplyMigrations(db); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	version, dirty, err := SchemaVersion(db)
	if err != nil || dirty || version != 2 {
		t.Fatalf("SchemaVersion() = %d, %v, %v", version, dirty, err)
	}
	if err := RollbackMigrations(db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(db); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}
