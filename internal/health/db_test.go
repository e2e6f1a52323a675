package health

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func TestDBChecker_Unconfigured(t *testing.T) {
	if err := NewDBChecker(nil).HealthCheck(context.Background()); err == nil {
		t.Error("expected error for nil database")
	}
}

func TestDBChecker_ClosedPool(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://paycapture@127.0.0.1:1/paycapture?sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.Close()

	if err := NewDBChecker(db).HealthCheck(context.Background()); err == nil {
		t.Error("expected error for closed database")
	}
}

func TestWithDefaultTimeout(t *testing.T) {
	ctx, cancel := withDefaultTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected a deadline to be applied")
	}

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	ctx, cancel2 := withDefaultTimeout(parent, time.Second)
	defer cancel2()
	deadline, _ := ctx.Deadline()
	if time.Until(deadline) < 30*time.Second {
		t.Error("expected the caller's deadline to be kept")
	}
}
