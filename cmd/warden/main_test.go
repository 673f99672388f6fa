package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/config"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Fatalf("expected unknown command error, got %q", stderr)
	}
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout, "warden <noun> <action>") {
		t.Fatalf("expected usage text, got %q", stdout)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion(nil)
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout, "warden ") {
		t.Fatalf("expected version line, got %q", stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version JSON did not parse: %v\n%s", err, stdout)
	}
	if info.Version == "" {
		t.Fatal("expected non-empty version")
	}
}

const validConfigYAML = `
service:
  log_level: INFO
bindings:
  - id: orders
    priority: 50
    methods: [POST]
    exact_paths: [/orders]
    sensitivity: non-sensitive
    conflict_policy: refresh_then_reroute
    reroute_target: /orders/v2
    expected_route: svc-orders
exempt_routes:
  - method: GET
    exact_path: /healthz
`

func TestRunConfigCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(validConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Config OK: 1 bindings") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestRunConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	broken := strings.Replace(validConfigYAML, "expected_route: svc-orders", "", 1)
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Config invalid") {
		t.Fatalf("expected validation error, got %q", stderr)
	}
}

func TestRunConfigHashIsKeyOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	if err := os.WriteFile(a, []byte(`{"x":1,"y":"two"}`), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte(`{"y":"two","x":1}`), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	codeA, outA, _ := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{a})
	})
	codeB, outB, _ := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{b})
	})
	if codeA != 0 || codeB != 0 {
		t.Fatalf("expected exit 0, got %d/%d", codeA, codeB)
	}
	if outA != outB {
		t.Fatalf("hash changed with key order: %q vs %q", outA, outB)
	}
}

func TestRunConfigHashWithProtectedID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	if err := os.WriteFile(path, []byte(`{"greeting":"hello"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{path, "--id", "prompts"})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.HasPrefix(stdout, "WARDEN_HASH_PROMPTS=") {
		t.Fatalf("expected env assignment output, got %q", stdout)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{path, "--id", "nope"})
	})
	if code != 1 || !strings.Contains(stderr, "Unknown protected config id") {
		t.Fatalf("expected unknown id error, got code %d stderr %q", code, stderr)
	}
}

func TestSnapshotImportThenShow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "warden.db")
	snapPath := filepath.Join(dir, "snap.json")

	snapshot := `{
  "schema_version": 1,
  "bindings_version": 2,
  "version_id": "v-test",
  "monotonic_ts_ms": 4200,
  "memory_version": "2026-08-01T12:00:00Z",
  "trusted_snapshot_id": "baseline-1",
  "route_state": {"/orders": {"expected_route": "svc-orders", "last_validated_at": "2026-08-01T11:59:00Z", "hard_conflict": false}},
  "updated_by": "test"
}`
	if err := os.WriteFile(snapPath, []byte(snapshot), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSnapshotImport([]string{snapPath, "--db", dbPath})
	})
	if code != 0 {
		t.Fatalf("import failed: %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "v-test") {
		t.Fatalf("expected stored version in output, got %q", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runSnapshotShow([]string{"--db", dbPath})
	})
	if code != 0 {
		t.Fatalf("show failed: %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, `"version_id": "v-test"`) {
		t.Fatalf("expected snapshot JSON, got %q", stdout)
	}
}

func TestBindingsAsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(validConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	doc, err := bindingsAsDocument(cfg.Bindings)
	if err != nil {
		t.Fatalf("bindingsAsDocument: %v", err)
	}
	if len(doc) != 1 {
		t.Fatalf("document length = %d, want 1", len(doc))
	}
	obj, ok := doc[0].(map[string]any)
	if !ok {
		t.Fatalf("element type = %T, want object", doc[0])
	}
	if obj["id"] != "orders" {
		t.Errorf("id = %v, want orders", obj["id"])
	}
}

func TestSnapshotShowEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runSnapshotShow([]string{"--db", dbPath})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "no snapshot stored") {
		t.Fatalf("expected no-snapshot error, got %q", stderr)
	}
}
