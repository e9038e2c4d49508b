package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/pkg/errors"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const journalDBName = "journal.db"

// EncryptedJournal implements domain.OperationJournal using a SQLCipher
// encrypted SQLite database. Diagnostics may contain paths and resolver
// details, so the file is encrypted at rest. The elevation secret is never stored.
type EncryptedJournal struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedJournal opens (or creates) the journal in dataDir.
func NewEncryptedJournal(dataDir string, key []byte) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open encrypted journal")
	}

	// A wrong key only surfaces on the first query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to encrypted journal")
	}

	j := &EncryptedJournal{db: db, dbPath: dbPath}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create journal tables")
	}
	return j, nil
}

// OpenJournal loads or generates the key in dataDir and opens the journal.
// With a non-nil owner the data dir, key and database are handed to it, so a
// sudo run does not leave root-owned files in the user's home.
func OpenJournal(dataDir string, owner *FileOwner) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	if err := owner.chown(dataDir); err != nil {
		return nil, err
	}

	key, err := loadJournalKey(dataDir, owner)
	if err != nil {
		return nil, err
	}

	j, err := NewEncryptedJournal(dataDir, key)
	if err != nil {
		return nil, err
	}
	if err := owner.chown(j.dbPath); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func (j *EncryptedJournal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		diagnostics TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Begin stores op and returns its row id.
func (j *EncryptedJournal) Begin(op domain.Operation) (int64, error) {
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	if op.State == "" {
		op.State = domain.OpPending
	}

	res, err := j.db.Exec(`
		INSERT INTO operations (kind, state, detail, started_at)
		VALUES (?, ?, ?, ?)`,
		string(op.Kind), string(op.State), op.Detail, op.StartedAt.UnixMilli(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert operation")
	}
	return res.LastInsertId()
}

// SetState moves operation id to state without finishing it.
func (j *EncryptedJournal) SetState(id int64, state domain.OperationState) error {
	_, err := j.db.Exec(`UPDATE operations SET state = ? WHERE id = ?`, string(state), id)
	return errors.Wrap(err, "update operation state")
}

// Finish records the terminal state of op.
func (j *EncryptedJournal) Finish(op domain.Operation) error {
	if op.FinishedAt.IsZero() {
		op.FinishedAt = time.Now()
	}

	result, err := j.db.Exec(`
		UPDATE operations
		SET state = ?, finished_at = ?, exit_code = ?, error_kind = ?, diagnostics = ?
		WHERE id = ?`,
		string(op.State), op.FinishedAt.UnixMilli(), op.ExitCode,
		string(op.ErrorKind), op.Diagnostics, op.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update operation")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("operation %d not found", op.ID)
	}
	return nil
}

// Recent returns up to limit operations, newest first.
func (j *EncryptedJournal) Recent(limit int) ([]domain.Operation, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, state, detail, started_at, finished_at, exit_code, error_kind, diagnostics
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query operations")
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		var (
			op                  domain.Operation
			kind, state, errKnd string
			started, finished   int64
		)
		if err := rows.Scan(&op.ID, &kind, &state, &op.Detail, &started, &finished,
			&op.ExitCode, &errKnd, &op.Diagnostics); err != nil {
			return nil, err
		}
		op.Kind = domain.OperationKind(kind)
		op.State = domain.OperationState(state)
		op.ErrorKind = domain.ErrorKind(errKnd)
		op.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			op.FinishedAt = time.UnixMilli(finished)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Path returns the database file path.
func (j *EncryptedJournal) Path() string {
	return j.dbPath
}

// Close releases the database connection.
func (j *EncryptedJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ensure EncryptedJournal implements domain.OperationJournal.
var _ domain.OperationJournal = (*EncryptedJournal)(nil)
