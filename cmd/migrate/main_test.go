package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/einvoice/internal/storage/postgres"
)

func noEnv(string) (string, bool) { return "", false }

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("EINV_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("EINV_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()
	return dsn
}

func TestRunMigratePaths(t *testing.T) {
	dsn := testPostgresDSN(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"-direction=status", "-dsn=" + dsn},
		{"-direction=up", "-dsn=" + dsn},
		{"-direction=down", "-steps=1", "-dsn=" + dsn},
		{"-direction=up", "-dsn=" + dsn},
	} {
		var out bytes.Buffer
		if err := run(ctx, args, noEnv, &out); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(out.String(), "ok: version=") {
			t.Fatalf("unexpected output %q", out.String())
		}
	}
}

func TestRunMissingDSN(t *testing.T) {
	err := run(context.Background(), []string{"-direction=status"}, noEnv, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "EINV_POSTGRES_DSN") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestRunUnsupportedDirection(t *testing.T) {
	err := run(context.Background(), []string{"-direction=sideways", "-dsn=postgres://x"}, noEnv, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unsupported direction") {
		t.Fatalf("expected direction error, got %v", err)
	}
}

func TestRunInvalidFlag(t *testing.T) {
	if err := run(context.Background(), []string{"-steps=many"}, noEnv, &bytes.Buffer{}); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
