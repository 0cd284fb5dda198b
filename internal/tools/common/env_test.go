package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvFileLoadsAndPreservesExisting(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://from-process")
	file := filepath.Join(t.TempDir(), "server.env")
	content := strings.Join([]string{
		"# local overrides",
		"DATABASE_URL=postgres://from-file",
		"REDIS_URL=redis://localhost:6379",
		"CSRF_SECRET=\"quoted-secret\"",
		"not a key value line",
		"",
	}, "\n")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	if err := LoadEnvFile(file); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	// Process environment wins over the file.
	if got := os.Getenv("DATABASE_URL"); got != "postgres://from-process" {
		t.Fatalf("existing var clobbered: %q", got)
	}
	if got := os.Getenv("REDIS_URL"); got != "redis://localhost:6379" {
		t.Fatalf("unexpected REDIS_URL=%q", got)
	}
	if got := os.Getenv("CSRF_SECRET"); got != "quoted-secret" {
		t.Fatalf("quotes not stripped: %q", got)
	}
}

func TestLoadEnvFileOpenError(t *testing.T) {
	err := LoadEnvFile(t.TempDir())
	if err == nil {
		t.Fatal("expected error when path is a directory")
	}
	if !strings.Contains(err.Error(), "env file:") {
		t.Fatalf("expected env file error prefix, got %v", err)
	}
}

func FuzzLoadEnvFileRobustness(f *testing.F) {
	f.Add([]byte("DATABASE_URL=postgres://x\nREDIS_URL=redis://y\n"))
	f.Add([]byte("no equals here\n# comment\n SPACED = \"v\" \n"))
	f.Add([]byte("KEY=\x00binary\n"))
	f.Add(bytes.Repeat([]byte("K=v\n"), 20000))

	f.Fuzz(func(t *testing.T, content []byte) {
		if len(content) > 200000 {
			content = content[:200000]
		}
		file := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(file, content, 0o600); err != nil {
			t.Fatalf("write env file: %v", err)
		}

		classify := func(err error) string {
			switch {
			case err == nil:
				return "none"
			case strings.Contains(err.Error(), "open env file:"):
				return "open"
			case strings.Contains(err.Error(), "read env file:"):
				return "read"
			default:
				return "other"
			}
		}

		first := classify(LoadEnvFile(file))
		second := classify(LoadEnvFile(file))
		if first != second {
			t.Fatalf("error classification must be deterministic: first=%q second=%q", first, second)
		}
		if first == "other" {
			t.Fatalf("unclassified error from LoadEnvFile")
		}
	})
}
