package forge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	forge "github.com/mlinfra-dev/forge"
)

func TestRecipeLedgerCommitLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	if err := forge.EnsureRecipeLedgerForTest(ctx, dir); err != nil {
		t.Fatalf("ensure ledger: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("ledger must be a git repository: %v", err)
	}
	// Idempotent on an existing repository.
	if err := forge.EnsureRecipeLedgerForTest(ctx, dir); err != nil {
		t.Fatalf("re-ensure ledger: %v", err)
	}

	writeErr := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o600)
	if writeErr != nil {
		t.Fatalf("write tracked file: %v", writeErr)
	}

	committed, err := forge.LedgerCommitIfChangedForTest(ctx, dir, "render pipeline output")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed {
		t.Fatal("expected a commit for the new file")
	}

	first, err := forge.LedgerHeadHashForTest(ctx, dir)
	if err != nil {
		t.Fatalf("head after first commit: %v", err)
	}
	if len(first) != 40 {
		t.Fatalf("unexpected head hash %q", first)
	}

	committed, err = forge.LedgerCommitIfChangedForTest(ctx, dir, "no changes")
	if err != nil {
		t.Fatalf("second commit attempt: %v", err)
	}
	if committed {
		t.Fatal("clean tree must not create a commit")
	}
	second, err := forge.LedgerHeadHashForTest(ctx, dir)
	if err != nil {
		t.Fatalf("head after clean commit attempt: %v", err)
	}
	if second != first {
		t.Fatalf("head moved without changes: %q -> %q", first, second)
	}

	writeErr = os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\nRUN true\n"), 0o600)
	if writeErr != nil {
		t.Fatalf("modify tracked file: %v", writeErr)
	}
	committed, err = forge.LedgerCommitIfChangedForTest(ctx, dir, "render update")
	if err != nil {
		t.Fatalf("third commit: %v", err)
	}
	if !committed {
		t.Fatal("expected a commit for the modified file")
	}
	third, err := forge.LedgerHeadHashForTest(ctx, dir)
	if err != nil {
		t.Fatalf("head after third commit: %v", err)
	}
	if third == first {
		t.Fatal("head must advance on change")
	}
}

func TestLedgerCommitRespectsCanceledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := forge.EnsureRecipeLedgerForTest(context.Background(), dir); err != nil {
		t.Fatalf("ensure ledger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := forge.LedgerCommitIfChangedForTest(ctx, dir, "should not run"); err == nil {
		t.Fatal("expected canceled context to abort the commit")
	}
}
