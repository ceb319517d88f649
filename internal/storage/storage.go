// Package storage persists account records in a local SQLite database.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"bandmonitor/internal/models"
)

const schemaVersion = "1"

// ErrNotFound is returned when an account id has no row.
var ErrNotFound = errors.New("account not found")

// Store handles persistence of account records.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and prepares the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	// Pragmas ride in the DSN so every connection in the database/sql
	// pool gets them, not just the one that ran a setup statement.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'stopped',
			band_id TEXT NOT NULL DEFAULT '',
			band_name TEXT NOT NULL DEFAULT '',
			initial_members INTEGER NOT NULL DEFAULT 0,
			initial_requests INTEGER NOT NULL DEFAULT 0,
			current_members INTEGER NOT NULL DEFAULT 0,
			current_requests INTEGER NOT NULL DEFAULT 0,
			delta INTEGER NOT NULL DEFAULT 0,
			target INTEGER NOT NULL DEFAULT 10,
			notes TEXT NOT NULL DEFAULT '',
			last_updated TEXT
		);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setup database: %w", err)
	}

	s := &Store{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkSchemaVersion records the schema version on first open and
// refuses databases written by an incompatible version. Migrations are
// expressed against this value, never by probing for columns.
func (s *Store) checkSchemaVersion() error {
	var current string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current != schemaVersion:
		return fmt.Errorf("unsupported schema version %s (want %s)", current, schemaVersion)
	}
	return nil
}

// AddAccount inserts a new account in the stopped state and returns its id.
func (s *Store) AddAccount(username, password string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO accounts (username, password) VALUES (?, ?)`,
		username, password,
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

const accountColumns = `id, username, password, status, band_id, band_name,
	initial_members, initial_requests, current_members, current_requests,
	delta, target, notes, last_updated`

// Account fetches one account by id.
func (s *Store) Account(id int64) (models.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("query account %d: %w", id, err)
	}
	return acc, nil
}

// Accounts returns every account ordered by id.
func (s *Store) Accounts() ([]models.Account, error) {
	return s.queryAccounts(`SELECT ` + accountColumns + ` FROM accounts ORDER BY id`)
}

// RunningAccounts returns accounts whose persisted status is running.
func (s *Store) RunningAccounts() ([]models.Account, error) {
	return s.queryAccounts(`SELECT ` + accountColumns + ` FROM accounts WHERE status = 'running' ORDER BY id`)
}

func (s *Store) queryAccounts(query string) ([]models.Account, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var acc models.Account
	var status string
	var lastUpdated sql.NullString

	err := row.Scan(
		&acc.ID, &acc.Username, &acc.Password, &status, &acc.BandID, &acc.BandName,
		&acc.InitialMembers, &acc.InitialRequests, &acc.CurrentMembers, &acc.CurrentRequests,
		&acc.Delta, &acc.Target, &acc.Notes, &lastUpdated,
	)
	if err != nil {
		return models.Account{}, err
	}

	acc.Status = models.MonitorStatus(status)
	if !acc.Status.Valid() {
		acc.Status = models.StatusStopped
	}
	if lastUpdated.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastUpdated.String); err == nil {
			acc.LastUpdated = &ts
		}
	}
	return acc, nil
}

// Delete removes an account row.
func (s *Store) Delete(id int64) error {
	return s.exec(id, `DELETE FROM accounts WHERE id = ?`, id)
}

// SetStatus persists a lifecycle transition.
func (s *Store) SetStatus(id int64, status models.MonitorStatus) error {
	return s.exec(id, `UPDATE accounts SET status = ? WHERE id = ?`, string(status), id)
}

// ResetRunning downgrades every running account to stopped. Called once
// at startup: a fresh process has no polling tasks, so a persisted
// "running" status would violate the status/task consistency rule.
func (s *Store) ResetRunning() error {
	_, err := s.db.Exec(`UPDATE accounts SET status = 'stopped' WHERE status = 'running'`)
	if err != nil {
		return fmt.Errorf("reset running accounts: %w", err)
	}
	return nil
}

// CaptureBaseline records the baseline counts, once. The guard lives in
// the WHERE clause: a row whose baseline total is already non-zero is
// left untouched, so repeated starts never move the zero point.
func (s *Store) CaptureBaseline(id int64, members, requests int) error {
	return s.exec(id, `
		UPDATE accounts
		SET initial_members = ?, initial_requests = ?,
		    current_members = ?, current_requests = ?, delta = 0
		WHERE id = ? AND initial_members + initial_requests = 0`,
		members, requests, members, requests, id)
}

// ApplyCounterUpdate stores the latest observed counts and recomputes
// the floor-clamped delta against the baseline in a single statement,
// so a cancelled task can never leave a half-applied update behind.
func (s *Store) ApplyCounterUpdate(id int64, members, requests int, ts time.Time) error {
	return s.exec(id, `
		UPDATE accounts
		SET current_members = ?, current_requests = ?,
		    delta = MAX(0, ? - initial_members - initial_requests),
		    last_updated = ?
		WHERE id = ?`,
		members, requests, members+requests, ts.UTC().Format(time.RFC3339Nano), id)
}

// SetBandID records a lazily resolved band id.
func (s *Store) SetBandID(id int64, bandID string) error {
	return s.exec(id, `UPDATE accounts SET band_id = ? WHERE id = ?`, bandID, id)
}

// SetBandName records the band's display name once it has been observed
// on-page. Accounts whose band id is still unresolved keep an empty name.
func (s *Store) SetBandName(id int64, bandName string) error {
	return s.exec(id, `UPDATE accounts SET band_name = ? WHERE id = ? AND band_id != ''`, bandName, id)
}

// SetTargetAndNotes updates the operator-facing goal and free text.
func (s *Store) SetTargetAndNotes(id int64, target int, notes string) error {
	return s.exec(id, `UPDATE accounts SET target = ?, notes = ? WHERE id = ?`, target, notes, id)
}

func (s *Store) exec(id int64, query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update account %d: %w", id, err)
	}
	return nil
}
