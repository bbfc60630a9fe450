package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/client/models"
	"github.com/dmitrijs2005/chunkrelay/internal/client/store/migrations"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/dbx"
	"github.com/dmitrijs2005/chunkrelay/internal/filex"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps chunk records in a single-file SQLite database.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. The special
// path ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		abs, err := filex.EnsureParentDir(path, 0o700)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
		dsn = abs + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrStorage, path, err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db)
	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already opened database. Call Initialize before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", common.ErrStorage, err)
	}
	if err := RunMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("%w: migrate: %v", common.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *models.ChunkRecord) error {
	errs, err := json.Marshal(rec.Retry.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	var lastAttempt sql.NullInt64
	if rec.Retry.LastAttempt != nil {
		lastAttempt = sql.NullInt64{Int64: rec.Retry.LastAttempt.UnixNano(), Valid: true}
	}

	data := rec.Data
	if data == nil {
		data = []byte{}
	}

	query := `INSERT INTO chunks (key, file_name, chunk_index, data, retry_count, last_attempt, next_retry, errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			file_name = excluded.file_name,
			chunk_index = excluded.chunk_index,
			data = excluded.data,
			retry_count = excluded.retry_count,
			last_attempt = excluded.last_attempt,
			next_retry = excluded.next_retry,
			errors = excluded.errors,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.FileName, rec.ChunkIndex, data,
		rec.Retry.RetryCount, lastAttempt, rec.Retry.NextRetry.UnixNano(), string(errs),
		rec.CreatedAt.UnixNano(), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: save chunk %s: %v", common.ErrStorage, rec.ID, err)
	}
	return nil
}

const selectColumns = `SELECT key, file_name, chunk_index, data, retry_count, last_attempt, next_retry, errors, created_at FROM chunks`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.ChunkRecord, error) {
	var (
		rec         models.ChunkRecord
		lastAttempt sql.NullInt64
		nextRetry   int64
		createdAt   int64
		errs        string
	)

	if err := row.Scan(&rec.ID, &rec.FileName, &rec.ChunkIndex, &rec.Data, &rec.Retry.RetryCount,
		&lastAttempt, &nextRetry, &errs, &createdAt); err != nil {
		return nil, err
	}

	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64).UTC()
		rec.Retry.LastAttempt = &t
	}
	rec.Retry.NextRetry = time.Unix(0, nextRetry).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := json.Unmarshal([]byte(errs), &rec.Retry.Errors); err != nil {
		return nil, fmt.Errorf("%w: corrupt error history for %s: %v", common.ErrStorage, rec.ID, err)
	}
	if rec.Retry.Errors == nil {
		rec.Retry.Errors = []models.ErrorEntry{}
	}

	return &rec, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*models.ChunkRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", key, common.ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, common.ErrStorage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load chunk %s: %v", common.ErrStorage, key, err)
	}
	return rec, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*models.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY file_name, chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("%w: select chunks: %v", common.ErrStorage, err)
	}
	defer rows.Close()

	result := []*models.ChunkRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			if errors.Is(err, common.ErrStorage) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: scan chunk: %v", common.ErrStorage, err)
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate chunks: %v", common.ErrStorage, err)
	}

	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("%w: delete chunk %s: %v", common.ErrStorage, key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", common.ErrStorage, err)
	}

	return rowsAffected > 0, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileName string, fromIndex int) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_name = ? AND chunk_index >= ?`, fileName, fromIndex)
	if err != nil {
		return 0, fmt.Errorf("%w: delete chunks of %s: %v", common.ErrStorage, fileName, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", common.ErrStorage, err)
	}

	return int(rowsAffected), nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", common.ErrStorage, key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM chunks ORDER BY file_name, chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", common.ErrStorage, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", common.ErrStorage, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate keys: %v", common.ErrStorage, err)
	}
	return keys, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	var n int
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chunks`)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: clear: %v", common.ErrStorage, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
