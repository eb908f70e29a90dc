// Package audit exports ctorz rewrite records for offline reports.
//
// SQLiteSink implements ctorz.RecordSink on top of modernc.org/sqlite:
//
//	sink, err := audit.OpenSQLite(ctx, "file:audit.db")
//	if err != nil {
//		return err
//	}
//	defer sink.Close()
//	icpt := ctorz.NewInterceptor(reg, broker, rw, ctorz.WithRecordSink(sink))
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/ctorz"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rewrite_records (
	type_id     TEXT PRIMARY KEY,
	rewritten   INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	digest      TEXT NOT NULL DEFAULT '',
	hooks       INTEGER NOT NULL DEFAULT 0,
	snapshot    INTEGER NOT NULL DEFAULT 0,
	observed_at INTEGER NOT NULL
)`

// SQLiteSink stores one row per type. The first record of a type wins,
// matching the interceptor's own book.
type SQLiteSink struct {
	db *sql.DB
}

var _ ctorz.RecordSink = (*SQLiteSink)(nil)

// OpenSQLite opens dsn and creates the records table if needed.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("audit dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps in-memory databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// WriteRecord implements ctorz.RecordSink.
func (s *SQLiteSink) WriteRecord(ctx context.Context, rec ctorz.RewriteRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("audit sink is not open")
	}
	if !rec.Type.Valid() {
		return errors.New("record type is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rewrite_records
			(type_id, rewritten, reason, digest, hooks, snapshot, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Type), rec.Rewritten, rec.Reason, rec.Digest, rec.Hooks, int64(rec.Snapshot), rec.ObservedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.Type, err)
	}
	return nil
}

// Records lists stored records ordered by type identifier.
func (s *SQLiteSink) Records(ctx context.Context) ([]ctorz.RewriteRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type_id, rewritten, reason, digest, hooks, snapshot, observed_at
		FROM rewrite_records ORDER BY type_id`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []ctorz.RewriteRecord
	for rows.Next() {
		var (
			rec      ctorz.RewriteRecord
			typeID   string
			snapshot int64
			observed int64
		)
		if err := rows.Scan(&typeID, &rec.Rewritten, &rec.Reason, &rec.Digest, &rec.Hooks, &snapshot, &observed); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Type = ctorz.TypeID(typeID)
		rec.Snapshot = uint32(snapshot)
		rec.ObservedAt = time.Unix(0, observed).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
