// Package persistence provides SQLite-backed storage for the engine
// state that must survive restarts: protection statuses, the retirement
// queue, and bracket flow statistics.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/protect"
	"github.com/travsart/botpop/internal/retire"
)

// DB wraps a SQLite connection for engine state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS protection_status (
		guid TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		reasons INTEGER NOT NULL,
		guild_id INTEGER NOT NULL,
		friends_json TEXT NOT NULL,
		interaction_count INTEGER NOT NULL,
		last_interaction INTEGER NOT NULL,
		last_group INTEGER NOT NULL,
		score REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retirement_queue (
		guid TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		state INTEGER NOT NULL,
		stage INTEGER NOT NULL,
		queued_at INTEGER NOT NULL,
		cooling_ends_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		audit_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flow_stats (
		tier INTEGER PRIMARY KEY,
		samples INTEGER NOT NULL,
		mean REAL NOT NULL,
		m2 REAL NOT NULL,
		min REAL NOT NULL,
		max REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flow_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guid TEXT NOT NULL,
		tier INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_recorded ON flow_transitions(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_retirement_state ON retirement_queue(state);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveProtectionStatuses upserts the given statuses, typically the
// registry's dirty set.
func (db *DB) SaveProtectionStatuses(statuses []protect.Status) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR REPLACE INTO protection_status
		(guid, level, reasons, guild_id, friends_json, interaction_count,
		 last_interaction, last_group, score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range statuses {
		friends := make([]uint64, 0, len(s.Friends))
		for id := range s.Friends {
			friends = append(friends, uint64(id))
		}
		friendsJSON, _ := json.Marshal(friends)

		_, err := stmt.Exec(
			s.GUID.String(), s.Level, uint16(s.Reasons), s.GuildID,
			string(friendsJSON), s.InteractionCount,
			s.LastInteraction.Unix(), s.LastGroup.Unix(),
			s.Score, s.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert protection %s: %w", s.GUID, err)
		}
	}

	return tx.Commit()
}

// LoadProtectionStatuses reads every persisted status.
func (db *DB) LoadProtectionStatuses() ([]protect.Status, error) {
	rows, err := db.conn.Queryx(`SELECT guid, level, reasons, guild_id,
		friends_json, interaction_count, last_interaction, last_group,
		score, updated_at FROM protection_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protect.Status
	for rows.Next() {
		var (
			guidStr, friendsJSON            string
			reasons                         uint16
			lastInteraction, lastGroup, upd int64
			s                               protect.Status
		)
		if err := rows.Scan(&guidStr, &s.Level, &reasons, &s.GuildID,
			&friendsJSON, &s.InteractionCount, &lastInteraction,
			&lastGroup, &s.Score, &upd); err != nil {
			return nil, err
		}
		guid, err := uuid.Parse(guidStr)
		if err != nil {
			return nil, fmt.Errorf("bad guid %q: %w", guidStr, err)
		}
		var friendIDs []uint64
		if err := json.Unmarshal([]byte(friendsJSON), &friendIDs); err != nil {
			return nil, fmt.Errorf("bad friends for %s: %w", guidStr, err)
		}
		s.GUID = guid
		s.Reasons = protect.Reason(reasons)
		s.Friends = make(map[host.PlayerID]struct{}, len(friendIDs))
		for _, id := range friendIDs {
			s.Friends[host.PlayerID(id)] = struct{}{}
		}
		s.LastInteraction = time.Unix(lastInteraction, 0).UTC()
		s.LastGroup = time.Unix(lastGroup, 0).UTC()
		s.UpdatedAt = time.Unix(upd, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveRetirementQueue replaces the persisted queue with the given
// candidates.
func (db *DB) SaveRetirementQueue(candidates []retire.Candidate) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM retirement_queue"); err != nil {
		return err
	}

	for _, c := range candidates {
		auditJSON, _ := json.Marshal(c.Audit)
		_, err := tx.Exec(`INSERT INTO retirement_queue
			(guid, reason, state, stage, queued_at, cooling_ends_at, finished_at, audit_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.GUID.String(), c.Reason, int(c.State), int(c.Stage),
			c.QueuedAt.Unix(), c.CoolingEndsAt.Unix(), c.FinishedAt.Unix(),
			string(auditJSON),
		)
		if err != nil {
			return fmt.Errorf("insert candidate %s: %w", c.GUID, err)
		}
	}

	return tx.Commit()
}

// LoadRetirementQueue reads the persisted queue.
func (db *DB) LoadRetirementQueue() ([]retire.Candidate, error) {
	rows, err := db.conn.Queryx(`SELECT guid, reason, state, stage,
		queued_at, cooling_ends_at, finished_at, audit_json
		FROM retirement_queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retire.Candidate
	for rows.Next() {
		var (
			guidStr, auditJSON         string
			state, stage               int
			queued, cooling, finished  int64
			c                          retire.Candidate
		)
		if err := rows.Scan(&guidStr, &c.Reason, &state, &stage,
			&queued, &cooling, &finished, &auditJSON); err != nil {
			return nil, err
		}
		guid, err := uuid.Parse(guidStr)
		if err != nil {
			return nil, fmt.Errorf("bad guid %q: %w", guidStr, err)
		}
		if err := json.Unmarshal([]byte(auditJSON), &c.Audit); err != nil {
			return nil, fmt.Errorf("bad audit for %s: %w", guidStr, err)
		}
		c.GUID = guid
		c.State = retire.State(state)
		c.Stage = retire.Stage(stage)
		c.QueuedAt = time.Unix(queued, 0).UTC()
		c.CoolingEndsAt = time.Unix(cooling, 0).UTC()
		c.FinishedAt = time.Unix(finished, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveFlowStats upserts one tier's rolling statistics.
func (db *DB) SaveFlowStats(tier bracket.Tier, s flow.RollingStats) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO flow_stats
		(tier, samples, mean, m2, min, max) VALUES (?, ?, ?, ?, ?, ?)`,
		int(tier), s.N, s.Mean, s.M2(), s.Min, s.Max,
	)
	return err
}

// LoadFlowStats reads one tier's rolling statistics; ok is false when the
// tier has never been persisted.
func (db *DB) LoadFlowStats(tier bracket.Tier) (flow.RollingStats, bool, error) {
	var (
		n                int64
		mean, m2, lo, hi float64
	)
	row := db.conn.QueryRowx(
		"SELECT samples, mean, m2, min, max FROM flow_stats WHERE tier = ?", int(tier))
	if err := row.Scan(&n, &mean, &m2, &lo, &hi); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return flow.RollingStats{}, false, nil
		}
		return flow.RollingStats{}, false, err
	}
	return flow.RestoreStats(n, mean, m2, lo, hi), true, nil
}

// RecordTransition appends one raw bracket transition row.
func (db *DB) RecordTransition(guid uuid.UUID, tier bracket.Tier, duration time.Duration, at time.Time) error {
	_, err := db.conn.Exec(`INSERT INTO flow_transitions
		(guid, tier, duration_seconds, recorded_at) VALUES (?, ?, ?, ?)`,
		guid.String(), int(tier), duration.Seconds(), at.Unix(),
	)
	return err
}

// PruneTransitions discards raw transition rows older than the retention
// window and returns how many were removed.
func (db *DB) PruneTransitions(before time.Time) (int64, error) {
	res, err := db.conn.Exec(
		"DELETE FROM flow_transitions WHERE recorded_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveMeta stores a key-value pair in engine metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO engine_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM engine_meta WHERE key = ?", key)
	return value, err
}

// Sync flushes the registry's dirty statuses and the live retirement
// queue in one pass, called on the configured cadence and at shutdown.
func (db *DB) Sync(registry *protect.Registry, mgr *retire.Manager) error {
	dirty := registry.DirtyStatuses()
	if err := db.SaveProtectionStatuses(dirty); err != nil {
		return fmt.Errorf("save protection: %w", err)
	}
	guids := make([]uuid.UUID, len(dirty))
	for i, s := range dirty {
		guids[i] = s.GUID
	}
	registry.MarkClean(guids)

	if err := db.SaveRetirementQueue(mgr.Candidates()); err != nil {
		return fmt.Errorf("save retirement queue: %w", err)
	}

	slog.Debug("engine state synced", "protection", len(dirty))
	return nil
}
