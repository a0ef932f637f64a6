// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/sqlitepool"
)

// Store is the SQLite persistence layer for all four record types:
// keys, bindings, backup keys, and health records. The persisted
// schema is a compatibility surface — dashboards and seed scripts read
// it directly — so column names map one-to-one to the documented
// attributes.
//
// Concurrency model: every status or activity mutation is a
// conditional UPDATE keyed on the state the writer observed, checked
// via the driver's changed-row count. Zero rows changed means another
// writer got there first, and the caller re-reads and re-decides.
// Binding uniqueness (one active row per proxy AND per key) is
// enforced by partial unique indexes, so a lost insert race surfaces
// as a constraint violation rather than a corrupt pool. This works
// across processes sharing one database file, which no in-process
// lock could.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a rotation store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" with PoolSize 1 is
	// supported for tests.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides timestamps for writes.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// storeSchema is applied once per connection (CREATE IF NOT EXISTS is
// idempotent). Timestamps are Unix nanoseconds. cooldown_until is NULL
// except while status = 'cooling_down', mirroring the invariant on the
// Key type. The two partial unique indexes are the binding invariant:
// at most one active binding per proxy, at most one per key.
const storeSchema = `
	CREATE TABLE IF NOT EXISTS keys (
		id                 TEXT PRIMARY KEY,
		provider           TEXT NOT NULL,
		status             TEXT NOT NULL,
		cooldown_until     INTEGER,
		fingerprint        TEXT NOT NULL,
		material           BLOB NOT NULL,
		transient_failures INTEGER NOT NULL DEFAULT 0,
		cooldown_streak    INTEGER NOT NULL DEFAULT 0,
		last_assigned_at   INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_keys_status ON keys(status);
	CREATE INDEX IF NOT EXISTS idx_keys_cooldown ON keys(cooldown_until) WHERE cooldown_until IS NOT NULL;

	CREATE TABLE IF NOT EXISTS bindings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_id       TEXT NOT NULL,
		key_id         TEXT NOT NULL,
		is_active      INTEGER NOT NULL,
		created_at     INTEGER NOT NULL,
		deactivated_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_proxy_active ON bindings(proxy_id) WHERE is_active = 1;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_key_active ON bindings(key_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_bindings_proxy ON bindings(proxy_id, created_at);

	CREATE TABLE IF NOT EXISTS backup_keys (
		id       TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		material BLOB NOT NULL,
		is_used  INTEGER NOT NULL DEFAULT 0,
		added_at INTEGER NOT NULL,
		used_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_backup_keys_unused ON backup_keys(added_at) WHERE is_used = 0;

	CREATE TABLE IF NOT EXISTS health_records (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_id  TEXT NOT NULL,
		key_id    TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		outcome   TEXT NOT NULL,
		latency   INTEGER NOT NULL,
		source    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_key_time ON health_records(key_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_health_time ON health_records(timestamp);
`

// OpenStore opens (creating if necessary) the rotation database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("rotation store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("rotation store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rotation store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// nanosOrNil converts a time to Unix nanoseconds for storage, mapping
// the zero time to NULL.
func nanosOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func timeFromColumn(stmt *sqlite.Stmt, column int) time.Time {
	if stmt.ColumnIsNull(column) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(column)).UTC()
}

// ---- Keys ----

// InsertKey adds a new key to the pool. The material must already be
// encrypted (see Vault.Seal). Fails with ErrInvalidTransition if a key
// with the same id exists.
func (s *Store) InsertKey(ctx context.Context, key *Key, encryptedMaterial []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storeErr("insert key", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	err = sqlitex.Execute(conn, `INSERT INTO keys
		(id, provider, status, cooldown_until, fingerprint, material,
		 transient_failures, cooldown_streak, last_assigned_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			key.ID,
			key.Provider,
			string(key.Status),
			nanosOrNil(key.CooldownUntil),
			key.Fingerprint,
			encryptedMaterial,
			key.TransientFailures,
			key.CooldownStreak,
			nanosOrNil(key.LastAssignedAt),
			now.UnixNano(),
			now.UnixNano(),
		}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			return fmt.Errorf("%w: key %q already exists", ErrInvalidTransition, key.ID)
		}
		return storeErr("insert key", err)
	}
	return nil
}

const keyColumns = `id, provider, status, cooldown_until, fingerprint,
	transient_failures, cooldown_streak, last_assigned_at, created_at, updated_at`

func scanKey(stmt *sqlite.Stmt) Key {
	return Key{
		ID:                stmt.ColumnText(0),
		Provider:          stmt.ColumnText(1),
		Status:            KeyStatus(stmt.ColumnText(2)),
		CooldownUntil:     timeFromColumn(stmt, 3),
		Fingerprint:       stmt.ColumnText(4),
		TransientFailures: stmt.ColumnInt(5),
		CooldownStreak:    stmt.ColumnInt(6),
		LastAssignedAt:    timeFromColumn(stmt, 7),
		CreatedAt:         timeFromColumn(stmt, 8),
		UpdatedAt:         timeFromColumn(stmt, 9),
	}
}

// GetKey returns the key with the given id, or ErrKeyNotFound.
func (s *Store) GetKey(ctx context.Context, id string) (*Key, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("get key", err)
	}
	defer s.pool.Put(conn)

	return getKey(conn, id)
}

func getKey(conn *sqlite.Conn, id string) (*Key, error) {
	var key *Key
	err := sqlitex.Execute(conn,
		"SELECT "+keyColumns+" FROM keys WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned := scanKey(stmt)
				key = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("get key", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return key, nil
}

// KeyMaterial returns the encrypted material blob for a key.
func (s *Store) KeyMaterial(ctx context.Context, id string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("key material", err)
	}
	defer s.pool.Put(conn)

	var material []byte
	err = sqlitex.Execute(conn, "SELECT material FROM keys WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				material = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, material)
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("key material", err)
	}
	if material == nil {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return material, nil
}

// ListKeys returns every key in the pool, oldest first.
func (s *Store) ListKeys(ctx context.Context) ([]Key, error) {
	return s.listKeys(ctx, "", nil)
}

// ListKeysByStatus returns the keys in the given status, oldest first.
func (s *Store) ListKeysByStatus(ctx context.Context, status KeyStatus) ([]Key, error) {
	return s.listKeys(ctx, "WHERE status = ?", []any{string(status)})
}

func (s *Store) listKeys(ctx context.Context, where string, args []any) ([]Key, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("list keys", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT " + keyColumns + " FROM keys " + where + " ORDER BY created_at, id"

	var keys []Key
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, scanKey(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, storeErr("list keys", err)
	}
	return keys, nil
}

// KeyTransition describes a compare-and-swap on a key's status and
// failure counters. The update applies only when the key's current
// status equals From; otherwise another writer already transitioned
// the key and CompareAndSwapKey reports false.
type KeyTransition struct {
	ID   string
	From KeyStatus
	To   KeyStatus

	// CooldownUntil must be set when To is StatusCoolingDown and zero
	// otherwise (stored as NULL).
	CooldownUntil time.Time

	TransientFailures int
	CooldownStreak    int
}

// CompareAndSwapKey applies a conditional status/counter update.
// Returns true when the update applied, false when the key's current
// status did not match transition.From (the caller should re-read and
// re-decide). SQLite's single-writer model makes the conditional
// update linearizable per key.
func (s *Store) CompareAndSwapKey(ctx context.Context, transition KeyTransition) (bool, error) {
	if transition.To == StatusCoolingDown && transition.CooldownUntil.IsZero() {
		return false, fmt.Errorf("%w: cooling_down requires a cooldown deadline", ErrInvalidTransition)
	}
	if transition.To != StatusCoolingDown && !transition.CooldownUntil.IsZero() {
		return false, fmt.Errorf("%w: cooldown deadline only valid for cooling_down", ErrInvalidTransition)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, storeErr("cas key", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE keys SET
			status = ?, cooldown_until = ?, transient_failures = ?,
			cooldown_streak = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(transition.To),
			nanosOrNil(transition.CooldownUntil),
			transition.TransientFailures,
			transition.CooldownStreak,
			s.clock.Now().UnixNano(),
			transition.ID,
			string(transition.From),
		}})
	if err != nil {
		return false, storeErr("cas key", err)
	}
	return conn.Changes() > 0, nil
}

// SetLastAssigned records the fairness timestamp after a successful
// binding. Not conditional: last_assigned_at is advisory ordering
// state, and the latest write winning is the desired behavior.
func (s *Store) SetLastAssigned(ctx context.Context, keyID string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storeErr("set last assigned", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE keys SET last_assigned_at = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{
			at.UnixNano(), s.clock.Now().UnixNano(), keyID,
		}})
	if err != nil {
		return storeErr("set last assigned", err)
	}
	return nil
}

// SelectableKeys returns the keys eligible for binding at the given
// instant: status active, or cooling_down with an expired deadline
// (lazy reactivation candidates), excluding keys that already hold an
// active binding. Ordering and scoring happen in the engine.
func (s *Store) SelectableKeys(ctx context.Context, now time.Time) ([]Key, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("selectable keys", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + keyColumns + ` FROM keys
		WHERE (status = 'active'
		       OR (status = 'cooling_down' AND cooldown_until <= ?))
		  AND id NOT IN (SELECT key_id FROM bindings WHERE is_active = 1)
		ORDER BY created_at, id`

	var keys []Key
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{now.UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, scanKey(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, storeErr("selectable keys", err)
	}
	return keys, nil
}

// ExpiredCooldowns returns the keys still marked cooling_down whose
// deadline has passed. Used by the sweep.
func (s *Store) ExpiredCooldowns(ctx context.Context, now time.Time) ([]Key, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("expired cooldowns", err)
	}
	defer s.pool.Put(conn)

	var keys []Key
	err = sqlitex.Execute(conn,
		"SELECT "+keyColumns+" FROM keys WHERE status = 'cooling_down' AND cooldown_until <= ? ORDER BY cooldown_until",
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, scanKey(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("expired cooldowns", err)
	}
	return keys, nil
}

// ---- Bindings ----

func scanBinding(stmt *sqlite.Stmt) Binding {
	return Binding{
		ProxyID:       stmt.ColumnText(0),
		KeyID:         stmt.ColumnText(1),
		IsActive:      stmt.ColumnInt(2) != 0,
		CreatedAt:     timeFromColumn(stmt, 3),
		DeactivatedAt: timeFromColumn(stmt, 4),
	}
}

const bindingColumns = "proxy_id, key_id, is_active, created_at, deactivated_at"

// ActiveBindingForProxy returns the proxy's active binding, or nil
// when the proxy is unassigned.
func (s *Store) ActiveBindingForProxy(ctx context.Context, proxyID string) (*Binding, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("active binding", err)
	}
	defer s.pool.Put(conn)

	var binding *Binding
	err = sqlitex.Execute(conn,
		"SELECT "+bindingColumns+" FROM bindings WHERE proxy_id = ? AND is_active = 1",
		&sqlitex.ExecOptions{
			Args: []any{proxyID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned := scanBinding(stmt)
				binding = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("active binding", err)
	}
	return binding, nil
}

// ListActiveBindings returns all active bindings, ordered by proxy id.
func (s *Store) ListActiveBindings(ctx context.Context) ([]Binding, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("list active bindings", err)
	}
	defer s.pool.Put(conn)

	var bindings []Binding
	err = sqlitex.Execute(conn,
		"SELECT "+bindingColumns+" FROM bindings WHERE is_active = 1 ORDER BY proxy_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bindings = append(bindings, scanBinding(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("list active bindings", err)
	}
	return bindings, nil
}

// BindingHistory returns every binding row for a proxy, newest first.
// Deactivated rows are the audit trail of past assignments.
func (s *Store) BindingHistory(ctx context.Context, proxyID string, limit int) ([]Binding, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("binding history", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}

	var bindings []Binding
	err = sqlitex.Execute(conn,
		"SELECT "+bindingColumns+" FROM bindings WHERE proxy_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{proxyID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bindings = append(bindings, scanBinding(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("binding history", err)
	}
	return bindings, nil
}

// CreateBinding inserts a new active binding. The partial unique
// indexes turn a lost race — another caller binding the same proxy or
// the same key first — into a constraint violation, reported as
// ErrBindingConflict so the engine retries with a fresh selection.
func (s *Store) CreateBinding(ctx context.Context, proxyID, keyID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storeErr("create binding", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO bindings (proxy_id, key_id, is_active, created_at) VALUES (?, ?, 1, ?)",
		&sqlitex.ExecOptions{Args: []any{
			proxyID, keyID, s.clock.Now().UnixNano(),
		}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return fmt.Errorf("%w: proxy %q / key %q", ErrBindingConflict, proxyID, keyID)
		}
		return storeErr("create binding", err)
	}
	return nil
}

// DeactivateBinding flips a binding inactive, conditional on it still
// being active for exactly this (proxy, key) pair. Returns false when
// no such active binding existed — either it was already deactivated
// by a concurrent writer, or the pair was never bound (a stale
// report).
func (s *Store) DeactivateBinding(ctx context.Context, proxyID, keyID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, storeErr("deactivate binding", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE bindings SET is_active = 0, deactivated_at = ? WHERE proxy_id = ? AND key_id = ? AND is_active = 1",
		&sqlitex.ExecOptions{Args: []any{
			s.clock.Now().UnixNano(), proxyID, keyID,
		}})
	if err != nil {
		return false, storeErr("deactivate binding", err)
	}
	return conn.Changes() > 0, nil
}

// ---- Backup keys ----

// AddBackupKey inserts a reserve credential. The material must already
// be encrypted. An id already present in the key pool is rejected:
// promotion keeps the backup's id, so a collision would wedge the
// backup at the front of the reserve, unpromotable.
func (s *Store) AddBackupKey(ctx context.Context, id, provider string, encryptedMaterial []byte) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storeErr("add backup key", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storeErr("add backup key: begin", err)
	}
	defer endTransaction(&err)

	var keyExists bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM keys WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(*sqlite.Stmt) error {
				keyExists = true
				return nil
			},
		})
	if err != nil {
		return storeErr("add backup key: check", err)
	}
	if keyExists {
		err = fmt.Errorf("%w: backup id %q collides with an existing key", ErrInvalidTransition, id)
		return err
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO backup_keys (id, provider, material, is_used, added_at) VALUES (?, ?, ?, 0, ?)",
		&sqlitex.ExecOptions{Args: []any{
			id, provider, encryptedMaterial, s.clock.Now().UnixNano(),
		}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			err = fmt.Errorf("%w: backup key %q already exists", ErrInvalidTransition, id)
			return err
		}
		err = storeErr("add backup key", err)
		return err
	}
	return nil
}

// OldestUnusedBackup returns the id, provider, and encrypted material
// of the oldest unused backup key without claiming it, or
// ErrPoolExhausted when no unused backup remains. The claim happens in
// PromoteBackupKey; a reader that loses the claim race re-peeks.
func (s *Store) OldestUnusedBackup(ctx context.Context) (id, provider string, encryptedMaterial []byte, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", "", nil, storeErr("peek backup", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT id, provider, material FROM backup_keys WHERE is_used = 0 ORDER BY added_at, id LIMIT 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				provider = stmt.ColumnText(1)
				encryptedMaterial = make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, encryptedMaterial)
				return nil
			},
		})
	if err != nil {
		return "", "", nil, storeErr("peek backup", err)
	}
	if id == "" {
		return "", "", nil, fmt.Errorf("%w: no unused backup keys", ErrPoolExhausted)
	}
	return id, provider, encryptedMaterial, nil
}

// PromoteBackupKey claims the backup with key.ID and inserts key into
// the pool, in one IMMEDIATE transaction — the single cross-pool
// mutual-exclusion point in the system. Both halves commit or neither
// does: a failed insert rolls the claim back, so the reserve is never
// burned without the key entering the pool. Returns false when the
// backup was already claimed by a concurrent caller (re-peek and
// retry); a key id collision is ErrInvalidTransition.
func (s *Store) PromoteBackupKey(ctx context.Context, key *Key, encryptedMaterial []byte) (applied bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, storeErr("promote backup", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, storeErr("promote backup: begin", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now()
	err = sqlitex.Execute(conn,
		"UPDATE backup_keys SET is_used = 1, used_at = ? WHERE id = ? AND is_used = 0",
		&sqlitex.ExecOptions{Args: []any{
			now.UnixNano(), key.ID,
		}})
	if err != nil {
		return false, storeErr("promote backup: claim", err)
	}
	if conn.Changes() == 0 {
		return false, nil
	}

	err = sqlitex.Execute(conn, `INSERT INTO keys
		(id, provider, status, cooldown_until, fingerprint, material,
		 transient_failures, cooldown_streak, last_assigned_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, 0, 0, NULL, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			key.ID,
			key.Provider,
			string(key.Status),
			key.Fingerprint,
			encryptedMaterial,
			now.UnixNano(),
			now.UnixNano(),
		}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			err = fmt.Errorf("%w: key %q already exists", ErrInvalidTransition, key.ID)
			return false, err
		}
		err = storeErr("promote backup: insert", err)
		return false, err
	}

	return true, nil
}

// CountUnusedBackups returns the reserve depth.
func (s *Store) CountUnusedBackups(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storeErr("count backups", err)
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM backup_keys WHERE is_used = 0",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, storeErr("count backups", err)
	}
	return count, nil
}

// BackupMaterial returns the sealed material blob for a backup key.
func (s *Store) BackupMaterial(ctx context.Context, id string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("backup material", err)
	}
	defer s.pool.Put(conn)

	var material []byte
	err = sqlitex.Execute(conn, "SELECT material FROM backup_keys WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				material = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, material)
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("backup material", err)
	}
	if material == nil {
		return nil, fmt.Errorf("%w: backup %q", ErrKeyNotFound, id)
	}
	return material, nil
}

// ListBackupKeys returns all backup rows, oldest first.
func (s *Store) ListBackupKeys(ctx context.Context) ([]BackupKey, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("list backups", err)
	}
	defer s.pool.Put(conn)

	var backups []BackupKey
	err = sqlitex.Execute(conn,
		"SELECT id, provider, is_used, added_at, used_at FROM backup_keys ORDER BY added_at, id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				backups = append(backups, BackupKey{
					ID:       stmt.ColumnText(0),
					Provider: stmt.ColumnText(1),
					IsUsed:   stmt.ColumnInt(2) != 0,
					AddedAt:  timeFromColumn(stmt, 3),
					UsedAt:   timeFromColumn(stmt, 4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("list backups", err)
	}
	return backups, nil
}

// ---- Health records ----

// AppendHealthRecord writes one outcome row. Append-only: there is no
// update path for health records anywhere in the package.
func (s *Store) AppendHealthRecord(ctx context.Context, record HealthRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storeErr("append health record", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO health_records (proxy_id, key_id, timestamp, outcome, latency, source) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			record.ProxyID,
			record.KeyID,
			record.Timestamp.UnixNano(),
			string(record.Outcome),
			int64(record.Latency),
			string(record.Source),
		}})
	if err != nil {
		return storeErr("append health record", err)
	}
	return nil
}

const healthColumns = "proxy_id, key_id, timestamp, outcome, latency, source"

func scanHealthRecord(stmt *sqlite.Stmt) HealthRecord {
	return HealthRecord{
		ProxyID:   stmt.ColumnText(0),
		KeyID:     stmt.ColumnText(1),
		Timestamp: timeFromColumn(stmt, 2),
		Outcome:   Outcome(stmt.ColumnText(3)),
		Latency:   time.Duration(stmt.ColumnInt64(4)),
		Source:    RecordSource(stmt.ColumnText(5)),
	}
}

// HealthWindow returns the most recent records for a key, newest
// first, bounded by both the record count and the earliest timestamp.
func (s *Store) HealthWindow(ctx context.Context, keyID string, limit int, since time.Time) ([]HealthRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("health window", err)
	}
	defer s.pool.Put(conn)

	var records []HealthRecord
	err = sqlitex.Execute(conn,
		"SELECT "+healthColumns+" FROM health_records WHERE key_id = ? AND timestamp >= ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{keyID, since.UnixNano(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanHealthRecord(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, storeErr("health window", err)
	}
	return records, nil
}

// RecentHealthRecords returns the newest records across all keys, for
// the history listing.
func (s *Store) RecentHealthRecords(ctx context.Context, keyID string, limit int) ([]HealthRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("recent health records", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any
	if keyID != "" {
		conditions = append(conditions, "key_id = ?")
		args = append(args, keyID)
	}

	query := "SELECT " + healthColumns + " FROM health_records"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var records []HealthRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanHealthRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, storeErr("recent health records", err)
	}
	return records, nil
}

// WindowCounts returns per-key success and failure counts over the
// bounded window (last `limit` records per key, none older than
// `since`). Keys with no rows in the window are absent from the map;
// the ledger assigns them the neutral score.
func (s *Store) WindowCounts(ctx context.Context, keyIDs []string, limit int, since time.Time) (map[string]WindowCount, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storeErr("window counts", err)
	}
	defer s.pool.Put(conn)

	counts := make(map[string]WindowCount, len(keyIDs))
	for _, keyID := range keyIDs {
		// The count bound requires a per-key subquery: LIMIT applies
		// to each key's window independently.
		var count WindowCount
		err = sqlitex.Execute(conn, `SELECT
				SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END),
				COUNT(*)
			FROM (
				SELECT outcome FROM health_records
				WHERE key_id = ? AND timestamp >= ?
				ORDER BY timestamp DESC, id DESC LIMIT ?
			)`,
			&sqlitex.ExecOptions{
				Args: []any{keyID, since.UnixNano(), limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count.Successes = stmt.ColumnInt(0)
					count.Total = stmt.ColumnInt(1)
					return nil
				},
			})
		if err != nil {
			return nil, storeErr("window counts", err)
		}
		if count.Total > 0 {
			counts[keyID] = count
		}
	}
	return counts, nil
}

// ArchiveHealthRecordsBefore streams every health record older than
// the cutoff to the visit function, deletes them, then calls finalize
// (the caller making its archive durable), all in one IMMEDIATE
// transaction: an error from visit or finalize rolls the deletion
// back, so rows only disappear once the archive write succeeded.
// Returns the number of rows archived.
func (s *Store) ArchiveHealthRecordsBefore(ctx context.Context, cutoff time.Time, visit func(HealthRecord) error, finalize func() error) (count int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storeErr("archive health records", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, storeErr("archive health records: begin", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"SELECT "+healthColumns+" FROM health_records WHERE timestamp < ? ORDER BY timestamp, id",
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count++
				return visit(scanHealthRecord(stmt))
			},
		})
	if err != nil {
		return 0, fmt.Errorf("rotation store: archive visit: %w", err)
	}

	err = sqlitex.Execute(conn,
		"DELETE FROM health_records WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return 0, storeErr("archive health records: delete", err)
	}

	if finalize != nil {
		if err = finalize(); err != nil {
			return 0, fmt.Errorf("rotation store: archive finalize: %w", err)
		}
	}

	return count, nil
}

// PoolStats is the aggregate pool state for the status action, the
// heartbeat file, and the dashboard.
type PoolStats struct {
	ActiveKeys     int `json:"active_keys"`
	CoolingKeys    int `json:"cooling_keys"`
	DisabledKeys   int `json:"disabled_keys"`
	ActiveBindings int `json:"active_bindings"`
	UnusedBackups  int `json:"unused_backups"`
	HealthRecords  int `json:"health_records"`
}

// Stats returns the aggregate pool state.
func (s *Store) Stats(ctx context.Context) (PoolStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PoolStats{}, storeErr("stats", err)
	}
	defer s.pool.Put(conn)

	var stats PoolStats
	err = sqlitex.Execute(conn,
		"SELECT status, COUNT(*) FROM keys GROUP BY status",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				switch KeyStatus(stmt.ColumnText(0)) {
				case StatusActive:
					stats.ActiveKeys = stmt.ColumnInt(1)
				case StatusCoolingDown:
					stats.CoolingKeys = stmt.ColumnInt(1)
				case StatusDisabled:
					stats.DisabledKeys = stmt.ColumnInt(1)
				}
				return nil
			},
		})
	if err != nil {
		return PoolStats{}, storeErr("stats: keys", err)
	}

	singleCount := func(query string, target *int) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*target = stmt.ColumnInt(0)
				return nil
			},
		})
	}
	if err := singleCount("SELECT COUNT(*) FROM bindings WHERE is_active = 1", &stats.ActiveBindings); err != nil {
		return PoolStats{}, storeErr("stats: bindings", err)
	}
	if err := singleCount("SELECT COUNT(*) FROM backup_keys WHERE is_used = 0", &stats.UnusedBackups); err != nil {
		return PoolStats{}, storeErr("stats: backups", err)
	}
	if err := singleCount("SELECT COUNT(*) FROM health_records", &stats.HealthRecords); err != nil {
		return PoolStats{}, storeErr("stats: health records", err)
	}

	return stats, nil
}
