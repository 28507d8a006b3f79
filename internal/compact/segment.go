package compact

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/pkg/event"
)

// Silver segments are immutable SQLite files. Rows are stored in
// (event_ts, event_id) order via the WITHOUT ROWID primary key, with the
// full event JSON snappy-compressed in the payload column so readers get
// every field back without a schema migration when producers add
// attributes.
const segmentSchema = `
	CREATE TABLE events (
		event_ts INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		payload BLOB NOT NULL,
		PRIMARY KEY (event_ts, event_id)
	) WITHOUT ROWID`

// buildSegment writes sorted events to a new SQLite segment file and
// returns its size in bytes. The file is finalized in DELETE journal mode
// so it ships as a single object.
func buildSegment(ctx context.Context, sqlitePath string, events []event.ValidatedEvent) (int64, error) {
	db, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create segment database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return 0, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, segmentSchema); err != nil {
		return 0, fmt.Errorf("failed to create events table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX idx_events_type_ts ON events(event_type, event_ts)"); err != nil {
		return 0, fmt.Errorf("failed to create index: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events (event_ts, event_id, event_type, user_id, session_id, payload) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payloadJSON, err := json.Marshal(ev.RawEvent)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
		}
		compressed := snappy.Encode(nil, payloadJSON)

		if _, err := stmt.ExecContext(ctx,
			ev.Timestamp.UnixMilli(), ev.EventID, ev.EventType,
			ev.UserID, ev.SessionID, compressed,
		); err != nil {
			return 0, fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit inserts: %w", err)
	}

	// Finalize: checkpoint WAL and switch to DELETE mode for immutability.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, fmt.Errorf("failed to checkpoint: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return 0, fmt.Errorf("failed to reset journal mode: %w", err)
	}
	if err := db.Close(); err != nil {
		return 0, fmt.Errorf("failed to close segment: %w", err)
	}

	fileInfo, err := os.Stat(sqlitePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat segment: %w", err)
	}
	return fileInfo.Size(), nil
}

// readSegment reads every event from a segment file in stored order and
// assigns the given partition key.
func readSegment(ctx context.Context, sqlitePath string, key event.PartitionKey) ([]event.ValidatedEvent, error) {
	db, err := sql.Open("sqlite3", sqlitePath+"?mode=ro")
	if err != nil {
		return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
			"failed to open segment", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		"SELECT event_ts, payload FROM events ORDER BY event_ts, event_id")
	if err != nil {
		return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
			"failed to query segment events", err)
	}
	defer rows.Close()

	var result []event.ValidatedEvent
	for rows.Next() {
		var eventTS int64
		var compressed []byte
		if err := rows.Scan(&eventTS, &compressed); err != nil {
			return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
				"failed to scan segment row", err)
		}

		payloadJSON, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
				"failed to decompress payload", err)
		}

		var raw event.RawEvent
		if err := json.Unmarshal(payloadJSON, &raw); err != nil {
			return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
				"failed to decode payload", err)
		}

		result = append(result, event.ValidatedEvent{
			RawEvent:  raw,
			Timestamp: time.UnixMilli(eventTS).UTC(),
			Key:       key,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewCompactionError(errors.CodeSegmentCorrupt,
			"error iterating segment rows", err)
	}

	return result, nil
}
