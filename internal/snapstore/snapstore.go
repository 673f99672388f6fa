// Package snapstore persists trusted memory snapshots in SQLite and serves
// the latest one to the dispatch controller.
package snapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/dispatchctl"
)

// ErrNoSnapshot is returned by Latest when no snapshot has been stored yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// timeLayout is fixed-width so the TEXT columns sort correctly under
// SQLite's BINARY collation. RFC3339Nano trims trailing zeros, which
// inverts lexical order for sub-second timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store reads and writes memory snapshots.
type Store struct {
	db *sql.DB
}

// New wraps an opened SQLite handle. The memory_snapshots schema must already
// exist (storage.OpenSQLite bootstraps it).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put stores a snapshot. A zero VersionID gets a fresh UUID; UpdatedAt is
// stamped if unset. The stored snapshot is returned.
func (s *Store) Put(ctx context.Context, snap dispatchctl.MemorySnapshot) (dispatchctl.MemorySnapshot, error) {
	if snap.VersionID == "" {
		snap.VersionID = uuid.NewString()
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	routeState, err := json.Marshal(snap.RouteState)
	if err != nil {
		return snap, fmt.Errorf("marshal route state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_snapshots
  (version_id, schema_version, bindings_version, monotonic_ts_ms,
   memory_version, trusted_snapshot_id, route_state, updated_at, updated_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(version_id) DO UPDATE SET
  schema_version = excluded.schema_version,
  bindings_version = excluded.bindings_version,
  monotonic_ts_ms = excluded.monotonic_ts_ms,
  memory_version = excluded.memory_version,
  trusted_snapshot_id = excluded.trusted_snapshot_id,
  route_state = excluded.route_state,
  updated_at = excluded.updated_at,
  updated_by = excluded.updated_by`,
		snap.VersionID, snap.SchemaVersion, snap.BindingsVersion, snap.MonotonicTSMillis,
		snap.MemoryVersion.UTC().Format(timeLayout), snap.TrustedSnapshotID,
		string(routeState), snap.UpdatedAt.UTC().Format(timeLayout), snap.UpdatedBy)
	if err != nil {
		return snap, fmt.Errorf("store snapshot %s: %w", snap.VersionID, err)
	}
	return snap, nil
}

// Latest returns the most recently updated snapshot.
func (s *Store) Latest(ctx context.Context) (dispatchctl.MemorySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT version_id, schema_version, bindings_version, monotonic_ts_ms,
       memory_version, trusted_snapshot_id, route_state, updated_at, updated_by
FROM memory_snapshots
ORDER BY updated_at DESC, version_id DESC
LIMIT 1`)
	return scanSnapshot(row)
}

// Get returns the snapshot with the given version id.
func (s *Store) Get(ctx context.Context, versionID string) (dispatchctl.MemorySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT version_id, schema_version, bindings_version, monotonic_ts_ms,
       memory_version, trusted_snapshot_id, route_state, updated_at, updated_by
FROM memory_snapshots
WHERE version_id = ?`, versionID)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (dispatchctl.MemorySnapshot, error) {
	var (
		snap          dispatchctl.MemorySnapshot
		memoryVersion string
		updatedAt     string
		routeState    string
	)
	err := row.Scan(&snap.VersionID, &snap.SchemaVersion, &snap.BindingsVersion,
		&snap.MonotonicTSMillis, &memoryVersion, &snap.TrustedSnapshotID,
		&routeState, &updatedAt, &snap.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, fmt.Errorf("scan snapshot: %w", err)
	}
	if snap.MemoryVersion, err = time.Parse(time.RFC3339Nano, memoryVersion); err != nil {
		return snap, fmt.Errorf("parse memory_version: %w", err)
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return snap, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(routeState), &snap.RouteState); err != nil {
		return snap, fmt.Errorf("decode route state: %w", err)
	}
	return snap, nil
}
