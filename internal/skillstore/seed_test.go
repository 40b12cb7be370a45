package skillstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const seedYAML = `
- kind: dependency_missing
  pattern: "No module named"
  resolution: "pip install {match}"
- kind: permission_denied
  pattern: "Permission denied"
  resolution: "chmod +x {match}"
- pattern: ""
  resolution: "skipped"
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write seed file: %v", err)
	}
	return path
}

func TestSeedInsertsMissing(t *testing.T) {
	s := newTestStore(t)
	path := writeSeedFile(t, seedYAML)

	added, err := s.Seed(path)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 entries added, got %d", added)
	}

	// Re-seeding is idempotent.
	added, err = s.Seed(path)
	if err != nil {
		t.Fatalf("Second seed failed: %v", err)
	}
	if added != 0 {
		t.Errorf("Expected 0 entries on re-seed, got %d", added)
	}

	n, _ := s.Count()
	if n != 2 {
		t.Errorf("Expected 2 skills total, got %d", n)
	}
}

func TestSeedPreservesExisting(t *testing.T) {
	s := newTestStore(t)
	addSkill(t, s, "No module named", "yarn add {match}", false)

	path := writeSeedFile(t, seedYAML)
	if _, err := s.Seed(path); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	entry, found, err := s.Find("No module named 'x'")
	if err != nil || !found {
		t.Fatalf("Find failed: found=%v err=%v", found, err)
	}
	if entry.Resolution != "yarn add {match}" {
		t.Errorf("Seed overwrote existing skill: %q", entry.Resolution)
	}
}

func TestSeedMissingFile(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Seed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing seed file")
	}
}

func TestWatchSeedReloadsOnWrite(t *testing.T) {
	s := newTestStore(t)
	path := writeSeedFile(t, "- pattern: one\n  resolution: \"true\"\n")

	if _, err := s.Seed(path); err != nil {
		t.Fatalf("Initial seed failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- s.WatchSeed(ctx, path)
	}()

	// Give the watcher time to register before rewriting.
	time.Sleep(100 * time.Millisecond)

	content := "- pattern: one\n  resolution: \"true\"\n- pattern: two\n  resolution: \"true\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to rewrite seed file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		n, err := s.Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Seed reload did not happen, count=%d", n)
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchSeed did not stop after cancellation")
	}
}
