// Package store manages all SQLite persistence for peermesh.
//
// SQLite in WAL mode is the shared medium between agent processes: every
// agent opens the same file, and the instance table, message table and task
// lock table in it are the whole of the coordination state. Each write is a
// single statement committed immediately; the only multi-statement
// transaction is the task lock check-and-grant.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/peermesh/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that lexical order of the stored text equals
// chronological order; RFC3339Nano trims trailing zeros and is not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	path string

	mu sync.RWMutex // guards db across Recreate
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error { return s.conn().Close() }

func (s *Store) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations use this to handle transient SQLite errors
// (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS agent_instances (
	id           TEXT PRIMARY KEY,
	hostname     TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	current_load REAL NOT NULL DEFAULT 0,
	max_capacity INTEGER NOT NULL DEFAULT 0,
	last_seen    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_load ON agent_instances(current_load, id);
CREATE INDEX IF NOT EXISTS idx_instances_last_seen ON agent_instances(last_seen);
`

const messageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	sender_id       TEXT NOT NULL,
	recipient_id    TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	timestamp       TEXT NOT NULL,
	lamport_ts      INTEGER NOT NULL DEFAULT 0,
	read_status     INTEGER NOT NULL DEFAULT 0,
	acknowledged    INTEGER NOT NULL DEFAULT 0,
	acknowledged_by TEXT,
	acknowledged_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, read_status, timestamp);

CREATE TABLE IF NOT EXISTS message_receipts (
	message_id   TEXT NOT NULL REFERENCES messages(id),
	recipient_id TEXT NOT NULL,
	read_at      TEXT NOT NULL,
	PRIMARY KEY (message_id, recipient_id)
);
`

const lockSchema = `
CREATE TABLE IF NOT EXISTS task_locks (
	task_id     TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_locks_holder ON task_locks(holder);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(instanceSchema + messageSchema + lockSchema)
	return err
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

const instanceColumns = `id, hostname, capabilities, current_load, max_capacity, last_seen`

// InsertInstance creates an instance row, or overwrites it if the id exists.
// Overwriting lets a swept instance rejoin under its original id.
func (s *Store) InsertInstance(inst model.Instance) error {
	caps, err := json.Marshal(nonNil(inst.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.conn().Exec(
			`INSERT INTO agent_instances (`+instanceColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   hostname = excluded.hostname,
			   capabilities = excluded.capabilities,
			   current_load = excluded.current_load,
			   max_capacity = excluded.max_capacity,
			   last_seen = excluded.last_seen`,
			inst.ID, inst.Hostname, string(caps), inst.CurrentLoad, inst.MaxCapacity,
			formatTime(inst.LastSeen),
		)
		return err
	})
}

// GetInstance retrieves an instance by id. Returns ErrNotFound if absent.
func (s *Store) GetInstance(id string) (*model.Instance, error) {
	row := s.conn().QueryRow(`SELECT `+instanceColumns+` FROM agent_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst, err
}

// ListInstances returns every instance ordered by ascending current load,
// ties broken by id.
func (s *Store) ListInstances() ([]model.Instance, error) {
	rows, err := s.conn().Query(
		`SELECT ` + instanceColumns + ` FROM agent_instances ORDER BY current_load ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// TouchInstance sets last_seen. Returns false if the id is unknown.
func (s *Store) TouchInstance(id string, at time.Time) (bool, error) {
	return s.execAffected(`UPDATE agent_instances SET last_seen = ? WHERE id = ?`, formatTime(at), id)
}

// SetInstanceLoad overwrites the load and refreshes last_seen.
func (s *Store) SetInstanceLoad(id string, load float64, at time.Time) (bool, error) {
	return s.execAffected(
		`UPDATE agent_instances SET current_load = ?, last_seen = ? WHERE id = ?`,
		load, formatTime(at), id,
	)
}

// AddInstanceLoad adds delta to the load in one statement, clamping at zero.
// It does not touch last_seen: being assigned work is not a sign of life.
func (s *Store) AddInstanceLoad(id string, delta float64) (bool, error) {
	return s.execAffected(
		`UPDATE agent_instances SET current_load = MAX(current_load + ?, 0) WHERE id = ?`,
		delta, id,
	)
}

// DeleteInstance removes an instance. Returns false if the id is unknown.
func (s *Store) DeleteInstance(id string) (bool, error) {
	return s.execAffected(`DELETE FROM agent_instances WHERE id = ?`, id)
}

// DeleteInstancesSeenBefore removes every instance whose last_seen is
// strictly before cutoff. Returns the number removed.
func (s *Store) DeleteInstancesSeenBefore(cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.conn().Exec(`DELETE FROM agent_instances WHERE last_seen < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ResetInstances drops and recreates the instance table only. Messages and
// locks are untouched.
func (s *Store) ResetInstances() error {
	return retryOnContention(func() error {
		_, err := s.conn().Exec(`DROP TABLE IF EXISTS agent_instances;` + instanceSchema)
		return err
	})
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*model.Instance, error) {
	var inst model.Instance
	var capsJSON, seenStr string
	if err := row.Scan(&inst.ID, &inst.Hostname, &capsJSON, &inst.CurrentLoad,
		&inst.MaxCapacity, &seenStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &inst.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities for instance %s: %w", inst.ID, err)
	}
	var err error
	inst.LastSeen, err = parseTime(seenStr)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen for instance %s: %w", inst.ID, err)
	}
	return &inst, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// InsertMessage persists a message. ID and Timestamp must be set.
func (s *Store) InsertMessage(m model.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.conn().Exec(
			`INSERT INTO messages (id, sender_id, recipient_id, kind, payload, timestamp, lamport_ts,
			                       read_status, acknowledged)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			m.ID, m.Sender, m.Recipient, string(m.Kind), string(payload),
			formatTime(m.Timestamp), m.LamportTS,
		)
		return err
	})
}

// GetMessage retrieves a message by id. Read reflects the message-level
// flag. Returns ErrNotFound if absent.
func (s *Store) GetMessage(id string) (*model.Message, error) {
	row := s.conn().QueryRow(
		`SELECT id, sender_id, recipient_id, kind, payload, timestamp, lamport_ts, read_status,
		        acknowledged, COALESCE(acknowledged_by, ''), COALESCE(acknowledged_at, '')
		 FROM messages WHERE id = ?`, id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListMessagesFor returns messages addressed to recipient or broadcast,
// ordered by (timestamp, lamport_ts, id). Read is computed from the
// recipient's point of view: the message flag for direct messages, a
// receipt row for broadcasts.
func (s *Store) ListMessagesFor(recipient string, onlyUnread bool) ([]model.Message, error) {
	q := `SELECT * FROM (
		SELECT m.id, m.sender_id, m.recipient_id, m.kind, m.payload, m.timestamp, m.lamport_ts,
		       CASE WHEN m.recipient_id = ? THEN m.read_status
		            ELSE EXISTS (SELECT 1 FROM message_receipts r
		                         WHERE r.message_id = m.id AND r.recipient_id = ?)
		       END AS is_read,
		       m.acknowledged, COALESCE(m.acknowledged_by, ''), COALESCE(m.acknowledged_at, '')
		FROM messages m
		WHERE m.recipient_id = ? OR m.recipient_id = '` + model.BroadcastRecipient + `'
	)`
	if onlyUnread {
		q += ` WHERE is_read = 0`
	}
	q += ` ORDER BY timestamp ASC, lamport_ts ASC, id ASC`

	rows, err := s.conn().Query(q, recipient, recipient, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkRead flags msgs as read by recipient. Direct messages flip their own
// read flag; broadcasts get a per-recipient receipt and the message-level
// flag is set as soon as anyone has read it.
func (s *Store) MarkRead(recipient string, msgs []model.Message, at time.Time) error {
	ts := formatTime(at)
	for _, m := range msgs {
		if m.IsBroadcast() {
			if err := retryOnContention(func() error {
				_, err := s.conn().Exec(
					`INSERT OR IGNORE INTO message_receipts (message_id, recipient_id, read_at) VALUES (?, ?, ?)`,
					m.ID, recipient, ts,
				)
				return err
			}); err != nil {
				return fmt.Errorf("receipt for %s: %w", m.ID, err)
			}
		}
		if _, err := s.execAffected(`UPDATE messages SET read_status = 1 WHERE id = ?`, m.ID); err != nil {
			return fmt.Errorf("mark %s read: %w", m.ID, err)
		}
	}
	return nil
}

// AckMessage records an acknowledgement. Returns false if the id is unknown.
// A later acknowledgement overwrites the acknowledger.
func (s *Store) AckMessage(id, by string, at time.Time) (bool, error) {
	return s.execAffected(
		`UPDATE messages SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`,
		by, formatTime(at), id,
	)
}

// MaxLamport returns the highest Lamport stamp in the message log, or 0.
func (s *Store) MaxLamport() int64 {
	var ts int64
	if err := s.conn().QueryRow(`SELECT COALESCE(MAX(lamport_ts), 0) FROM messages`).Scan(&ts); err != nil {
		return 0
	}
	return ts
}

// CountMessages returns the total number of messages in the log.
func (s *Store) CountMessages() int64 {
	var n int64
	if err := s.conn().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var kind, payload, tsStr, ackBy, ackAt string
	var read, acked int
	if err := row.Scan(&m.ID, &m.Sender, &m.Recipient, &kind, &payload, &tsStr, &m.LamportTS,
		&read, &acked, &ackBy, &ackAt); err != nil {
		return nil, err
	}
	m.Kind = model.MessageKind(kind)
	m.Read = read != 0
	m.Acknowledged = acked != 0
	m.AcknowledgedBy = ackBy
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for message %s: %w", m.ID, err)
	}
	var err error
	m.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp for message %s: %w", m.ID, err)
	}
	if ackAt != "" {
		at, err := parseTime(ackAt)
		if err != nil {
			return nil, fmt.Errorf("parse acknowledged_at for message %s: %w", m.ID, err)
		}
		m.AcknowledgedAt = &at
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Task locks
// ---------------------------------------------------------------------------

// AcquireTaskLock attempts to lease taskID for holder. Returns
// (granted, nil, nil) on success or (nil, current, nil) when another holder
// has an unexpired lease. Re-acquiring an own lease refreshes its expiry.
//
// The check-and-grant runs inside a transaction so two processes racing for
// the same task cannot both be granted.
func (s *Store) AcquireTaskLock(taskID, holder string, metadata map[string]string, ttl time.Duration, now time.Time) (*model.TaskLock, *model.TaskLock, error) {
	meta, err := json.Marshal(nonNilMap(metadata))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal lock metadata: %w", err)
	}

	s.expireTaskLocks(now)

	var granted, current *model.TaskLock
	err = retryOnContention(func() error {
		var err error
		granted, current, err = s.acquireTaskLockTx(taskID, holder, metadata, string(meta), ttl, now)
		return err
	})
	return granted, current, err
}

func (s *Store) acquireTaskLockTx(taskID, holder string, metadata map[string]string, meta string, ttl time.Duration, now time.Time) (*model.TaskLock, *model.TaskLock, error) {
	tx, err := s.conn().Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	current, err := scanTaskLock(tx.QueryRow(
		`SELECT task_id, holder, metadata, acquired_at, expires_at FROM task_locks WHERE task_id = ?`, taskID,
	))
	switch {
	case err == nil:
		if current.Holder != holder && current.ExpiresAt.After(now) {
			return nil, current, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, nil, fmt.Errorf("read lock %s: %w", taskID, err)
	}

	lock := model.TaskLock{
		TaskID:     taskID,
		Holder:     holder,
		Metadata:   metadata,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if _, err := tx.Exec(
		`INSERT INTO task_locks (task_id, holder, metadata, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   holder = excluded.holder,
		   metadata = excluded.metadata,
		   acquired_at = excluded.acquired_at,
		   expires_at = excluded.expires_at`,
		taskID, holder, meta, formatTime(lock.AcquiredAt), formatTime(lock.ExpiresAt),
	); err != nil {
		return nil, nil, fmt.Errorf("grant lock %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit lock: %w", err)
	}
	return &lock, nil, nil
}

// ReleaseTaskLock deletes holder's lease on taskID. Returns false if the
// holder did not hold it.
func (s *Store) ReleaseTaskLock(taskID, holder string) (bool, error) {
	return s.execAffected(`DELETE FROM task_locks WHERE task_id = ? AND holder = ?`, taskID, holder)
}

// ListTaskLocks returns all unexpired locks ordered by acquisition time.
func (s *Store) ListTaskLocks(now time.Time) ([]model.TaskLock, error) {
	s.expireTaskLocks(now)
	rows, err := s.conn().Query(
		`SELECT task_id, holder, metadata, acquired_at, expires_at FROM task_locks ORDER BY acquired_at ASC, task_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskLocks(rows)
}

// ListTaskLocksForHolder returns unexpired locks held by holder.
func (s *Store) ListTaskLocksForHolder(holder string, now time.Time) ([]model.TaskLock, error) {
	s.expireTaskLocks(now)
	rows, err := s.conn().Query(
		`SELECT task_id, holder, metadata, acquired_at, expires_at FROM task_locks
		 WHERE holder = ? ORDER BY acquired_at ASC, task_id ASC`, holder,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskLocks(rows)
}

// expireTaskLocks is best-effort cleanup and ignores errors.
func (s *Store) expireTaskLocks(now time.Time) {
	_, _ = s.conn().Exec(`DELETE FROM task_locks WHERE expires_at <= ?`, formatTime(now))
}

func scanTaskLock(row rowScanner) (*model.TaskLock, error) {
	var l model.TaskLock
	var meta, acquired, expires string
	if err := row.Scan(&l.TaskID, &l.Holder, &meta, &acquired, &expires); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &l.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for lock %s: %w", l.TaskID, err)
	}
	if len(l.Metadata) == 0 {
		l.Metadata = nil
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, fmt.Errorf("parse acquired_at for lock %s: %w", l.TaskID, err)
	}
	if l.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, fmt.Errorf("parse expires_at for lock %s: %w", l.TaskID, err)
	}
	return &l, nil
}

func scanTaskLocks(rows *sql.Rows) ([]model.TaskLock, error) {
	var locks []model.TaskLock
	for rows.Next() {
		l, err := scanTaskLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// IntegrityCheck runs SQLite's quick_check. Returns an error wrapping
// ErrCorrupted when the database reports damage.
func (s *Store) IntegrityCheck() error {
	rows, err := s.conn().Query(`PRAGMA quick_check`)
	if err != nil {
		if IsCorruption(err) {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		if IsCorruption(err) {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupted, strings.Join(problems, "; "))
	}
	return nil
}

// Recreate closes the database, deletes the file with its WAL and SHM
// companions, and opens a fresh empty store at the same path. Every
// instance, message and lock is lost.
func (s *Store) Recreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.db.Close()
	if err := Remove(s.path); err != nil {
		return err
	}
	db, err := open(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Remove deletes the database file at path with its WAL and SHM
// companions. Missing files are ignored. The database must not be open.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execAffected runs a single write with retries and reports whether it
// touched any row.
func (s *Store) execAffected(query string, args ...any) (bool, error) {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.conn().Exec(query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
