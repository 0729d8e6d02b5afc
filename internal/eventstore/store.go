// Package eventstore persists account events in an append-only SQLite log,
// ordered per aggregate. The log is the authoritative record; the projection
// is a derivative.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vestline/internal/account"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// StoredEvent is a log entry together with its global position and
// per-aggregate sequence number.
type StoredEvent struct {
	ID        int64
	AccountID string
	Seq       int
	Type      string
	TS        time.Time
	Event     account.Event
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append writes events for one account inside the caller's transaction,
// continuing from fromSeq. The UNIQUE(account_id,seq) constraint rejects
// concurrent writers that raced past the aggregate lock.
func (s Store) Append(ctx context.Context, tx *sql.Tx, accountID string, fromSeq int, events []account.Event) error {
	ts := s.now().UTC().Format(time.RFC3339Nano)
	for i, ev := range events {
		payload, err := account.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO account_events(account_id,seq,type,ts,payload_json) VALUES (?,?,?,?,?)`,
			accountID, fromSeq+i+1, ev.EventType(), ts, string(payload))
		if err != nil {
			return fmt.Errorf("append event %s: %w", ev.EventType(), err)
		}
	}
	return nil
}

// Load returns the ordered event history for one account plus the last
// sequence number, for replay and optimistic appends.
func (s Store) Load(ctx context.Context, accountID string) ([]account.Event, int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq,type,payload_json FROM account_events WHERE account_id=? ORDER BY seq`, accountID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		events  []account.Event
		lastSeq int
	)
	for rows.Next() {
		var (
			seq     int
			evType  string
			payload string
		)
		if err := rows.Scan(&seq, &evType, &payload); err != nil {
			return nil, 0, err
		}
		ev, err := account.DecodeEvent(evType, []byte(payload))
		if err != nil {
			return nil, 0, fmt.Errorf("decode event seq %d: %w", seq, err)
		}
		events = append(events, ev)
		lastSeq = seq
	}
	return events, lastSeq, rows.Err()
}

// ReadSince returns up to limit events with a global position greater than
// afterID, in emission order. Used by projection consumers.
func (s Store) ReadSince(ctx context.Context, afterID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,account_id,seq,type,ts,payload_json FROM account_events WHERE id>? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStored(rows)
}

// Tail returns the most recent limit events, newest first.
func (s Store) Tail(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,account_id,seq,type,ts,payload_json FROM account_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStored(rows)
}

func scanStored(rows *sql.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var (
			se      StoredEvent
			ts      string
			payload string
		)
		if err := rows.Scan(&se.ID, &se.AccountID, &se.Seq, &se.Type, &ts, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		se.TS = parsed
		ev, err := account.DecodeEvent(se.Type, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", se.ID, err)
		}
		se.Event = ev
		out = append(out, se)
	}
	return out, rows.Err()
}
