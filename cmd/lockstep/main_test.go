package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/picostuff/lockstep/internal/loadtest"
	"github.com/picostuff/lockstep/internal/worker"
)

// testWorkspace initializes a workspace syncing with remote.
func testWorkspace(t *testing.T, remote string) globals {
	t.Helper()
	root := t.TempDir()
	var out bytes.Buffer
	if err := runInit(context.Background(), root, initOptions{remote: remote}, &out); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	return globals{root: root}
}

func writeFile(t *testing.T, g globals, rel, content string) {
	t.Helper()
	path := filepath.Join(g.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func syncOK(t *testing.T, g globals) *worker.Report {
	t.Helper()
	var out bytes.Buffer
	report, err := runSync(context.Background(), g, nil, "text", &out)
	if err != nil {
		t.Fatalf("runSync failed: %v\n%s", err, out.String())
	}
	if !report.OK() {
		t.Fatalf("sync failures: %+v", report.Failures)
	}
	return report
}

func TestInit(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	g := testWorkspace(t, remote)

	for _, p := range []string{
		filepath.Join(g.root, ".lockstep", "config.toml"),
		filepath.Join(g.root, ".lockstep", "baseline.db"),
		remote,
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	var out bytes.Buffer
	err := runInit(context.Background(), g.root, initOptions{}, &out)
	if err == nil || !strings.Contains(err.Error(), "already initialized") {
		t.Errorf("second init error = %v, want already initialized", err)
	}
	if err := runInit(context.Background(), g.root, initOptions{remote: remote, force: true}, &out); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}

func TestCommandsRequireInit(t *testing.T) {
	g := globals{root: t.TempDir()}
	var out bytes.Buffer
	_, err := runSync(context.Background(), g, nil, "text", &out)
	if err == nil || !strings.Contains(err.Error(), "lockstep init") {
		t.Errorf("runSync error = %v, want hint to run init", err)
	}
}

func TestSync_TwoWorkspaces(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	b := testWorkspace(t, remote)

	writeFile(t, a, "docs/readme.md", "hello")
	report := syncOK(t, a)
	if report.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2 (directory and file)", report.Pushed)
	}

	report = syncOK(t, b)
	if got := report.Actions["update-local"]; got != 2 {
		t.Errorf("update-local actions = %d, want 2; actions=%v", got, report.Actions)
	}

	// Nothing left to do on either side
	for _, g := range []globals{a, b} {
		var out bytes.Buffer
		entries, err := runStatus(context.Background(), g, false, "text", &out)
		if err != nil {
			t.Fatalf("runStatus failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("status of %s = %+v, want in sync", g.root, entries)
		}
		if !strings.Contains(out.String(), "in sync") {
			t.Errorf("status output = %q", out.String())
		}
	}

	var out bytes.Buffer
	if err := runTree(context.Background(), a, "/", &out); err != nil {
		t.Fatalf("runTree failed: %v", err)
	}
	if !strings.Contains(out.String(), "docs/") || !strings.Contains(out.String(), "readme.md") {
		t.Errorf("tree output = %q", out.String())
	}
	if !strings.Contains(out.String(), "2 items") {
		t.Errorf("tree output = %q, want item count", out.String())
	}
}

func TestSync_ConflictRejectsLocal(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	b := testWorkspace(t, remote)

	writeFile(t, a, "todo.md", "v1")
	syncOK(t, a)
	syncOK(t, b)

	writeFile(t, a, "todo.md", "v2 from a")
	writeFile(t, b, "todo.md", "v2 from b")
	syncOK(t, a)

	var out bytes.Buffer
	entries, err := runStatus(context.Background(), b, false, "text", &out)
	if err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}
	want := []statusEntry{{Path: "/todo.md", Pair: "(REMOTE_CHANGED, LOCAL_CHANGED)", Action: "conflict"}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	report := syncOK(t, b)
	if diff := cmp.Diff([]string{"/todo.md"}, report.Rejected); diff != "" {
		t.Errorf("Rejected mismatch (-want +got):\n%s", diff)
	}
	if report.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", report.Conflicts)
	}
}

func TestSync_LocalDeletePropagates(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)

	writeFile(t, a, "gone.txt", "bye")
	syncOK(t, a)

	if err := os.Remove(filepath.Join(a.root, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	report := syncOK(t, a)
	if got := report.Actions["push-delete"]; got != 1 {
		t.Errorf("push-delete actions = %d, want 1; actions=%v", got, report.Actions)
	}

	var out bytes.Buffer
	if err := runTree(context.Background(), a, "/", &out); err != nil {
		t.Fatalf("runTree failed: %v", err)
	}
	if strings.Contains(out.String(), "gone.txt") {
		t.Errorf("remote still has deleted file:\n%s", out.String())
	}
}

func TestSync_SelectedPaths(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	writeFile(t, a, "docs/a.md", "a")
	writeFile(t, a, "src/main.go", "package main")

	var out bytes.Buffer
	report, err := runSync(context.Background(), a, []string{"/docs"}, "text", &out)
	if err != nil {
		t.Fatalf("runSync failed: %v", err)
	}
	if report.Paths != 2 || report.Pushed != 2 {
		t.Errorf("report = %+v, want 2 paths pushed", report)
	}

	entries, err := runStatus(context.Background(), a, false, "text", &out)
	if err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}
	var pending []string
	for _, e := range entries {
		pending = append(pending, e.Path)
	}
	if diff := cmp.Diff([]string{"/src", "/src/main.go"}, pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_StructuredOutput(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")

	t.Run("json", func(t *testing.T) {
		g := testWorkspace(t, remote+".json")
		writeFile(t, g, "a.txt", "a")

		var out bytes.Buffer
		if _, err := runSync(context.Background(), g, nil, "json", &out); err != nil {
			t.Fatalf("runSync failed: %v", err)
		}
		var got worker.Report
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, out.String())
		}
		if got.Pushed != 1 || got.RunID == "" {
			t.Errorf("decoded report = %+v", got)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		g := testWorkspace(t, remote+".yaml")
		writeFile(t, g, "a.txt", "a")

		var out bytes.Buffer
		if _, err := runStatus(context.Background(), g, false, "yaml", &out); err != nil {
			t.Fatalf("runStatus failed: %v", err)
		}
		var got []statusEntry
		if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("output is not YAML: %v\n%s", err, out.String())
		}
		want := []statusEntry{{Path: "/a.txt", Pair: "(REMOTE_NOTHING, LOCAL_NEW)", Action: "push"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("status mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		g := testWorkspace(t, remote+".xml")
		var out bytes.Buffer
		if _, err := runSync(context.Background(), g, nil, "xml", &out); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}

func TestReject(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	b := testWorkspace(t, remote)

	writeFile(t, a, "shared.txt", "remote")
	syncOK(t, a)
	writeFile(t, b, "shared.txt", "local")

	ctx := context.Background()
	var out bytes.Buffer

	declined := func(string) (bool, error) { return false, nil }
	if err := runReject(ctx, b, "/shared.txt", declined, &out); err != errNotConfirmed {
		t.Fatalf("runReject error = %v, want errNotConfirmed", err)
	}

	prompted := ""
	accept := func(title string) (bool, error) { prompted = title; return true, nil }
	if err := runReject(ctx, b, "/shared.txt", accept, &out); err != nil {
		t.Fatalf("runReject failed: %v", err)
	}
	if !strings.Contains(prompted, "/shared.txt") {
		t.Errorf("prompt = %q, want it to name the path", prompted)
	}
	if !strings.Contains(out.String(), "update-local") {
		t.Errorf("output = %q, want remote version pulled", out.String())
	}

	entries, err := runStatus(ctx, b, false, "text", &out)
	if err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("status after reject = %+v, want in sync", entries)
	}

	if err := runReject(ctx, b, "/missing", nil, &out); err == nil {
		t.Error("expected error rejecting a path with no local item")
	}
}

func TestBaselineExportImport(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	writeFile(t, a, "x/y.txt", "data")
	syncOK(t, a)

	ctx := context.Background()
	var stdout bytes.Buffer
	if err := runBaselineExport(ctx, a, "", &stdout); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("exported %d lines, want 2:\n%s", len(lines), stdout.String())
	}

	file := filepath.Join(t.TempDir(), "baseline.jsonl")
	var out bytes.Buffer
	if err := runBaselineExport(ctx, a, file, &out); err != nil {
		t.Fatalf("export to file failed: %v", err)
	}

	b := testWorkspace(t, filepath.Join(t.TempDir(), "other.db"))
	if err := runBaselineImport(ctx, b, file, &out); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out.String(), "Imported 2 baseline entries") {
		t.Errorf("output = %q", out.String())
	}

	var again bytes.Buffer
	if err := runBaselineExport(ctx, b, "", &again); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if diff := cmp.Diff(stdout.String(), again.String()); diff != "" {
		t.Errorf("imported baseline differs (-want +got):\n%s", diff)
	}
}

func TestDaemon_InitialSync(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "tree.db")
	a := testWorkspace(t, remote)
	writeFile(t, a, "boot.txt", "up")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	if err := runDaemon(ctx, a, daemonOptions{dashboard: true, port: 0}, &out); err != nil {
		t.Fatalf("runDaemon failed: %v", err)
	}
	if !strings.Contains(out.String(), "WebSocket endpoint") || !strings.Contains(out.String(), "Daemon stopped") {
		t.Errorf("daemon output = %q", out.String())
	}

	var tree bytes.Buffer
	if err := runTree(context.Background(), a, "/", &tree); err != nil {
		t.Fatalf("runTree failed: %v", err)
	}
	if !strings.Contains(tree.String(), "boot.txt") {
		t.Errorf("remote tree missing daemon push:\n%s", tree.String())
	}
}

func TestLoadtest(t *testing.T) {
	opts := loadtest.Options{Writers: 4, OpsPerWriter: 20, Items: 2, MaxRetries: 1000, Seed: 1}

	t.Run("memory", func(t *testing.T) {
		var out bytes.Buffer
		if err := runLoadtest(context.Background(), opts, true, "", &out); err != nil {
			t.Fatalf("runLoadtest failed: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "No lost updates") {
			t.Errorf("output = %q", out.String())
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping SQLite load test in short mode")
		}
		var out bytes.Buffer
		db := filepath.Join(t.TempDir(), "tree.db")
		if err := runLoadtest(context.Background(), opts, false, db, &out); err != nil {
			t.Fatalf("runLoadtest failed: %v\n%s", err, out.String())
		}
	})

	t.Run("compare", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping SQLite comparison in short mode")
		}
		var out bytes.Buffer
		if err := runLoadtestCompare(context.Background(), opts, &out); err != nil {
			t.Fatalf("runLoadtestCompare failed: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "Throughput:") {
			t.Errorf("output = %q", out.String())
		}
	})
}
