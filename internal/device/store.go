package device

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "hearth/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrNoStore is returned by store operations when persistence is disabled.
var ErrNoStore = errors.New("device store disabled")

// StoreConfig configures the SQLite-backed state store.
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// Store persists the device registry and each device's last reported state.
// A nil *Store is valid and behaves as a disabled store.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func OpenStore(cfg StoreConfig, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertDevice registers a device or refreshes its descriptive fields.
func (s *Store) UpsertDevice(ctx context.Context, d Descriptor) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(id, name, kind, room, created_ms) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, room=excluded.room`,
		d.ID, d.Name, d.Kind, d.Room, time.Now().UnixMilli(),
	)
	return err
}

// PutState records a device's last reported state. synced=false marks it as
// not yet delivered to the cloud.
func (s *Store) PutState(ctx context.Context, deviceID, stateJSON string, at time.Time, synced bool) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_states(device_id, state_json, reported_ms, synced) VALUES(?,?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   state_json=excluded.state_json, reported_ms=excluded.reported_ms, synced=excluded.synced`,
		deviceID, stateJSON, at.UnixMilli(), boolInt(synced),
	)
	return err
}

// MarkSynced flags a device's state as delivered. A state reported after the
// delivery attempt keeps a newer reported_ms and stays dirty, so the guard on
// reported_ms avoids marking fresher data as synced.
func (s *Store) MarkSynced(ctx context.Context, deviceID string, reportedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE device_states SET synced=1 WHERE device_id=? AND reported_ms<=?`,
		deviceID, reportedAt.UnixMilli(),
	)
	return err
}

// StateRecord is one persisted device state row.
type StateRecord struct {
	DeviceID   string
	StateJSON  string
	ReportedAt time.Time
	Synced     bool
}

// DirtyStates returns every state the cloud has not acknowledged, oldest
// first. Used to re-emit state after the uplink recovers.
func (s *Store) DirtyStates(ctx context.Context) ([]StateRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoStore
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, state_json, reported_ms FROM device_states
		 WHERE synced=0 ORDER BY reported_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		var r StateRecord
		var ms int64
		if err := rows.Scan(&r.DeviceID, &r.StateJSON, &ms); err != nil {
			return nil, err
		}
		r.ReportedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetState returns a device's persisted state, if any.
func (s *Store) GetState(ctx context.Context, deviceID string) (StateRecord, bool, error) {
	if s == nil || s.db == nil {
		return StateRecord{}, false, ErrNoStore
	}
	var r StateRecord
	var ms int64
	var synced int
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, state_json, reported_ms, synced FROM device_states WHERE device_id=?`,
		deviceID,
	).Scan(&r.DeviceID, &r.StateJSON, &ms, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, err
	}
	r.ReportedAt = time.UnixMilli(ms)
	r.Synced = synced != 0
	return r, true, nil
}

// ListDevices returns all registered devices ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]Descriptor, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoStore
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, room FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Room); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
