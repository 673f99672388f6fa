package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/dispatchctl"
	"github.com/wardenhq/warden/internal/execlock"
	"github.com/wardenhq/warden/internal/httpgate"
	"github.com/wardenhq/warden/internal/integrity"
	"github.com/wardenhq/warden/internal/lease"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/safety"
	"github.com/wardenhq/warden/internal/snapstore"
	"github.com/wardenhq/warden/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "snapshot":
		return runSnapshotNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`warden - Dispatch-safety and integrity control plane

Usage:
  warden <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle
  config    Binding configuration and integrity hashes
  snapshot  Trusted memory snapshots

System Commands:
  system start      Start the gate daemon in foreground

Config Commands:
  config check      Validate binding configuration syntax and policy
  config hash       Compute the canonical integrity hash of a document

Snapshot Commands:
  snapshot show     Print the latest trusted snapshot
  snapshot import   Store a snapshot from a JSON file

Other Commands:
  version           Show version information

Use "warden <noun> help" for noun-specific help.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Print(`System commands:
  warden system start [--config path] [--pid-file path]
`)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Print(`Config commands:
  warden config check [--config path]
  warden config hash <file> [--id protected-id]
`)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check", "verify":
		return runConfigCheck(actionArgs)
	case "hash":
		return runConfigHash(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runSnapshotNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Print(`Snapshot commands:
  warden snapshot show [--db path] [--version id]
  warden snapshot import <file.json> [--db path]
`)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runSnapshotShow(actionArgs)
	case "import":
		return runSnapshotImport(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown snapshot action: %s\n", action)
		return 1
	}
}

func isHelpToken(tok string) bool {
	return tok == "help" || tok == "--help" || tok == "-h"
}

// --- ACTIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "warden.yaml", "Path to configuration file")
	pidFile := fs.String("pid-file", filepath.Join(os.TempDir(), "warden.pid"), "Single-instance pid file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	pid, err := execlock.AcquirePIDFile(*pidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup refused: %v\n", err)
		return 1
	}
	defer pid.Release()

	hub := audit.NewHub(cfg.Guard.AuditBuffer)
	state := safety.NewState(hub)
	guard := integrity.NewGuard(nil, integrity.Options{
		FailClosed: cfg.Guard.FailClosed,
		Sink:       hub,
		Safety:     state,
	})
	if cfg.Guard.FailClosed {
		if err := guard.VerifyManifestConfiguration(); err != nil {
			fmt.Fprintf(os.Stderr, "Startup refused: %v\n", err)
			return 1
		}
	}

	// The binding set is itself protected configuration: assert it before
	// the controller ever enforces with it.
	doc, err := bindingsAsDocument(cfg.Bindings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup refused: %v\n", err)
		return 1
	}
	if _, err := guard.AssertProtectedConfigIntegrity("dispatch_patterns",
		doc, integrity.AssertOptions{Source: *configPath}); err != nil {
		fmt.Fprintf(os.Stderr, "Startup refused: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var snapshots httpgate.SnapshotSource
	if cfg.Service.SnapshotDB != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Service.SnapshotDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Snapshot store error: %v\n", err)
			return 1
		}
		defer db.Close()
		snapshots = snapstore.New(db)
	}

	var lockDB *sql.DB
	if cfg.Locks.PostgresDSN != "" {
		lockDB, err = storage.OpenPostgres(ctx, cfg.Locks.PostgresDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Lock backend error: %v\n", err)
			return 1
		}
		defer lockDB.Close()
	}

	// One enforcing warden per lock backend. Without postgres the manager
	// still suppresses duplicates within this process.
	locks := execlock.NewManager(lockDB)
	handle, err := locks.Acquire(ctx, "warden:enforcer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock backend error: %v\n", err)
		return 1
	}
	if handle == nil {
		fmt.Fprintln(os.Stderr, "Startup refused: another warden holds the enforcer lock")
		return 1
	}
	defer handle.Release(context.Background())

	if cfg.Locks.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Locks.RedisAddr,
			Password: cfg.Locks.RedisPassword,
			DB:       cfg.Locks.RedisDB,
		})
		defer rdb.Close()

		enforcer := lease.New(rdb, "enforcer", lease.Options{
			TTL:       cfg.Locks.LeaseTTL,
			Heartbeat: cfg.Locks.LeaseHeartbeat,
			OnLockLost: func(key string) {
				state.Raise(safety.QuarantineRecord{
					Kind:            "lease_lost",
					Reason:          "enforcer lease expired or was taken over",
					DedupeKey:       "lease:" + key,
					AutoRecoverable: true,
				})
			},
		})
		if err := enforcer.Acquire(ctx); err != nil {
			if errors.Is(err, lease.ErrLeaseHeld) {
				fmt.Fprintln(os.Stderr, "Startup refused: another warden holds the enforcer lease")
			} else {
				fmt.Fprintf(os.Stderr, "Lease backend error: %v\n", err)
			}
			return 1
		}
		defer enforcer.Release(context.Background())
		logger.Info("enforcer lease acquired", "key", enforcer.Key())
	}

	ctrl := dispatchctl.NewController(cfg.Bindings, cfg.Exempt, hub)
	gate := httpgate.New(ctrl, snapshots)
	server := httpgate.NewServer(httpgate.ServerConfig{Listen: cfg.Service.Listen},
		gate, hub, state, log.WithComponent("httpgate"))

	logger.Info("warden starting",
		"version", version,
		"bindings", len(cfg.Bindings),
		"fail_closed", cfg.Guard.FailClosed)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

// bindingsAsDocument renders bindings as the generic document form the
// integrity manifest validates and hashes.
func bindingsAsDocument(bindings []*dispatchctl.PatternBinding) ([]any, error) {
	raw, err := json.Marshal(bindings)
	if err != nil {
		return nil, fmt.Errorf("encode bindings for integrity check: %w", err)
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode bindings for integrity check: %w", err)
	}
	return out, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "warden.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Config OK: %d bindings, %d exempt routes\n", len(cfg.Bindings), len(cfg.Exempt))
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	protectedID := fs.String("id", "", "Protected config id (prints the matching env var)")

	var file string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && file == "" {
			file = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden config hash <file> [--id protected-id]")
		return 1
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		return 1
	}

	var payload any
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		err = json.Unmarshal(data, &payload)
	default:
		err = yaml.Unmarshal(data, &payload)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
		return 1
	}

	hash, err := integrity.ComputeIntegrityHash(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash error: %v\n", err)
		return 1
	}

	if *protectedID != "" {
		entry, ok := integrity.DefaultManifest()[*protectedID]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown protected config id: %s\n", *protectedID)
			return 1
		}
		fmt.Printf("%s=%s\n", entry.ExpectedHashEnv, hash)
		return 0
	}
	fmt.Println(hash)
	return 0
}

func runSnapshotShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	dbPath := fs.String("db", "warden.db", "Snapshot database path")
	versionID := fs.String("version", "", "Show a specific snapshot version")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open error: %v\n", err)
		return 1
	}
	defer db.Close()

	store := snapstore.New(db)
	var snap dispatchctl.MemorySnapshot
	if *versionID != "" {
		snap, err = store.Get(ctx, *versionID)
	} else {
		snap, err = store.Latest(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot error: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func runSnapshotImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	dbPath := fs.String("db", "warden.db", "Snapshot database path")

	var file string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && file == "" {
			file = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden snapshot import <file.json> [--db path]")
		return 1
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		return 1
	}
	var snap dispatchctl.MemorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "Parse error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open error: %v\n", err)
		return 1
	}
	defer db.Close()

	stored, err := snapstore.New(db).Put(ctx, snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store error: %v\n", err)
		return 1
	}
	fmt.Printf("Stored snapshot %s (monotonic_ts_ms=%d)\n", stored.VersionID, stored.MonotonicTSMillis)
	return 0
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: warden version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("warden %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
