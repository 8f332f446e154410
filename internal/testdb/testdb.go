// Package testdb hands out isolated Postgres schemas to integration tests.
package testdb

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnvURL names the variable holding the base connection string. Tests that
// need a database skip when it is unset.
const EnvURL = "STORYPOKER_TEST_DATABASE_URL"

// TestingT is the subset of testing.TB the helpers use.
type TestingT interface {
	Helper()
	Logf(format string, args ...any)
	Skipf(format string, args ...any)
	FailNow()
	Cleanup(func())
}

// SchemaURL creates a fresh schema and returns a connection string whose
// search_path points at it. The schema is dropped when the test ends.
func SchemaURL(t TestingT) string {
	t.Helper()
	base := os.Getenv(EnvURL)
	if base == "" {
		t.Skipf("%s is not set", EnvURL)
	}

	schema := fmt.Sprintf("test_%s", uuid.NewString()[0:8])
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, base)
	if err != nil {
		t.Logf("failed to connect to database. Is your local database running?: %v", err)
		t.FailNow()
	}
	defer func() {
		_ = conn.Close(context.Background())
	}()
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Logf("failed to create schema %s: %v", schema, err)
		t.FailNow()
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, base)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close(context.Background())
		}()
		_, _ = conn.Exec(ctx, "DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})

	u, err := url.Parse(base)
	if err != nil {
		t.Logf("invalid %s: %v", EnvURL, err)
		t.FailNow()
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

// Channel returns a notify channel name unique to one test. Notifications
// are database wide, so schemas alone do not isolate them.
func Channel(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[0:8])
}
