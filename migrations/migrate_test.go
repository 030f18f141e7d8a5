package migrations_test

import (
	"context"
	"testing"

	"github.com/vanshika/paybridge/backend/internal/testutil"
	"github.com/vanshika/paybridge/backend/migrations"
)

func TestNames_Ordered(t *testing.T) {
	names, err := migrations.Names()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(names) != 2 || names[0] != "0001_payment_transactions.sql" || names[1] != "0002_escrows.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}

func TestApply_RecordsMigrations(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS schema_migrations, escrows, payment_transactions`); err != nil {
		t.Fatalf("drop tables: %v", err)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migrations, got %d", count)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var count2 int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count2); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count2 != count {
		t.Fatalf("expected migration count unchanged, got %d vs %d", count2, count)
	}
}
