package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pr "github.com/unkn0wn-root/polystore/provider"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "default: disk\n" +
		"backends:\n" +
		"  disk:\n" +
		"    type: file\n" +
		"    dir: " + filepath.Join(dir, "disk") + "\n" +
		"  archive:\n" +
		"    type: file\n" +
		"    dir: " + filepath.Join(dir, "archive") + "\n" +
		"    codec: msgpack\n"
	path := filepath.Join(dir, "polystore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"polystore", "--config", cfg}, args...))
	return out.String(), err
}

func mustRun(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := run(t, cfg, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestParseValue(t *testing.T) {
	if v, ok := parseValue(`{"a":1}`).(map[string]any); !ok || v["a"] != float64(1) {
		t.Fatalf("object not parsed: %#v", parseValue(`{"a":1}`))
	}
	if v := parseValue("hello"); v != "hello" {
		t.Fatalf("plain string=%#v", v)
	}
	if v := parseValue("42"); v != float64(42) {
		t.Fatalf("number=%#v", v)
	}
}

func TestSetGetDelete(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "set", "user", `{"name":"ada"}`)
	mustRun(t, cfg, "set", "greeting", "hello")

	if got := mustRun(t, cfg, "get", "user"); !strings.Contains(got, `"name": "ada"`) {
		t.Fatalf("get user=%q", got)
	}
	if got := mustRun(t, cfg, "get", "greeting"); strings.TrimSpace(got) != `"hello"` {
		t.Fatalf("get greeting=%q", got)
	}
	if got := mustRun(t, cfg, "keys"); got != "greeting\nuser\n" {
		t.Fatalf("keys=%q", got)
	}
	if got := mustRun(t, cfg, "size"); strings.TrimSpace(got) != "2" {
		t.Fatalf("size=%q", got)
	}

	mustRun(t, cfg, "del", "user")
	if _, err := run(t, cfg, "get", "user"); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("get after del err=%v", err)
	}
	if _, err := run(t, cfg, "del", "user"); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("second del err=%v", err)
	}
}

func TestBackendFlagAndReplicate(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "set", "--replicate", "archive", "k", "1")
	if got := mustRun(t, cfg, "--backend", "archive", "get", "k"); strings.TrimSpace(got) != "1" {
		t.Fatalf("replica get=%q", got)
	}
	mustRun(t, cfg, "-b", "archive", "set", "only", "x")
	if _, err := run(t, cfg, "get", "only"); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("default backend should not see archive-only key, err=%v", err)
	}
}

func TestExportImport(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "set", "a", "1")
	mustRun(t, cfg, "set", "b", `[1,2]`)

	dump := filepath.Join(t.TempDir(), "dump.json")
	mustRun(t, cfg, "export", "--out", dump)
	got := mustRun(t, cfg, "-b", "archive", "import", "--in", dump, "--clear")
	if strings.TrimSpace(got) != "imported 2 items" {
		t.Fatalf("import=%q", got)
	}
	if got := mustRun(t, cfg, "-b", "archive", "keys"); got != "a\nb\n" {
		t.Fatalf("archive keys=%q", got)
	}
}

func TestMigrateAndSync(t *testing.T) {
	cfg := writeConfig(t)
	for _, k := range []string{"a", "b", "c"} {
		mustRun(t, cfg, "set", k, k)
	}
	got := mustRun(t, cfg, "migrate", "--from", "disk", "--to", "archive", "--batch-size", "2")
	if !strings.HasPrefix(got, "migrated 3 keys") {
		t.Fatalf("migrate=%q", got)
	}

	mustRun(t, cfg, "del", "c")
	got = mustRun(t, cfg, "sync", "--source", "disk", "--target", "archive", "--delete-missing")
	if strings.TrimSpace(got) != "added 0, deleted 1" {
		t.Fatalf("sync=%q", got)
	}

	if _, err := run(t, cfg, "migrate", "--from", "disk"); err == nil {
		t.Fatalf("expected missing --to to fail")
	}
}

func TestStats(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, cfg, "set", "a", "1")
	got := mustRun(t, cfg, "stats")
	for _, want := range []string{"default: disk", "archive", "disk", "1 keys"} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats missing %q:\n%s", want, got)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := run(t, filepath.Join(t.TempDir(), "nope.yaml"), "size"); err == nil {
		t.Fatalf("expected load error")
	}
}
