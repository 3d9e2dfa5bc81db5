package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/paulschiretz/pgl-dump/pkg/packager"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps records in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and runs pending migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generations (job_trigger, destination, generation, run_id, timestamp_utc, files, size, chunk_suffix_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_trigger, destination, generation) DO UPDATE SET
			run_id = excluded.run_id,
			files = excluded.files,
			size = excluded.size,
			chunk_suffix_length = excluded.chunk_suffix_length`,
		rec.Trigger, rec.Destination, rec.Key(), rec.RunID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), string(files), rec.Size, rec.ChunkSuffixLength)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, trigger, destination string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, timestamp_utc, files, size, chunk_suffix_length
		FROM generations
		WHERE job_trigger = ? AND destination = ?
		ORDER BY generation DESC`, trigger, destination)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec := Record{Trigger: trigger, Destination: destination}
		var ts, files string
		if err := rows.Scan(&rec.RunID, &ts, &files, &rec.Size, &rec.ChunkSuffixLength); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Remove(ctx context.Context, trigger, destination string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM generations WHERE job_trigger = ? AND destination = ? AND generation = ?`,
		trigger, destination, packager.FormatTimestamp(ts))
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
