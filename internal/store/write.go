package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/retract/internal/ir"
)

// execer is the part of *sql.DB and *sql.Tx the writes need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertRecord appends a record to the store.
// Uses ON CONFLICT DO NOTHING on the identity key (author, family, global_time)
// for idempotency: inserted is false when a record with the same identity is
// already stored, whether or not its bytes match.
//
// The payload is serialized to canonical JSON per RFC 8785.
func (s *Store) InsertRecord(ctx context.Context, r ir.Record) (inserted bool, err error) {
	return insertRecord(ctx, s.db, r)
}

// InsertGrantRecord stores an authorize or revoke record together with the
// grant states it produces, in one transaction. When the identity is already
// stored nothing is written and inserted is false.
func (s *Store) InsertGrantRecord(ctx context.Context, r ir.Record, grants []ir.PermissionGrant) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert grant record %s: begin tx: %w", r.Key(), err)
	}
	defer tx.Rollback() // No-op if committed

	inserted, err = insertRecord(ctx, tx, r)
	if err != nil || !inserted {
		return false, err
	}
	for _, g := range grants {
		if err := putGrant(ctx, tx, g); err != nil {
			return false, fmt.Errorf("insert grant record %s: %w", r.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert grant record %s: commit: %w", r.Key(), err)
	}
	return true, nil
}

func insertRecord(ctx context.Context, db execer, r ir.Record) (bool, error) {
	if len(r.Wire) == 0 {
		return false, fmt.Errorf("insert record %s: missing wire bytes", r.Key())
	}

	payload, err := marshalPayload(r.Payload)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", r.Key(), err)
	}
	grants, err := marshalGrants(r.Grants)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", r.Key(), err)
	}
	va, vt, vg := nullableKey(r.Victim)

	result, err := db.ExecContext(ctx, `
		INSERT INTO records
		(author, type, family, global_time, cid, wire, payload,
		 victim_author, victim_type, victim_global_time, grants)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(author, family, global_time) DO NOTHING
	`,
		string(r.Author),
		string(r.Type),
		string(r.Type.Family()),
		int64(r.GlobalTime),
		r.CID(),
		r.Wire,
		payload,
		va, vt, vg,
		grants,
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", r.Key(), err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record %s: rows affected: %w", r.Key(), err)
	}
	return n > 0, nil
}

// SetCancellation points the victim's cancellation status at by, but only if
// the current canceller equals expected (nil meaning "not cancelled").
// It is the only mutator of cancellation state. swapped is false when the
// victim is missing or its status no longer matches expected.
func (s *Store) SetCancellation(ctx context.Context, victim, by ir.RecordKey, expected *ir.RecordKey) (swapped bool, err error) {
	ba, bt, bg := nullableKey(&by)
	ea, et, eg := nullableKey(expected)

	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET cancelled_by_author = ?, cancelled_by_type = ?, cancelled_by_global_time = ?
		WHERE author = ? AND family = ? AND global_time = ?
		  AND (
		    (? IS NULL AND cancelled_by_author IS NULL)
		    OR (cancelled_by_author = ? AND cancelled_by_type = ? AND cancelled_by_global_time = ?)
		  )
	`,
		ba, bt, bg,
		string(victim.Author), string(victim.Type.Family()), int64(victim.GlobalTime),
		ea,
		ea, et, eg,
	)
	if err != nil {
		return false, fmt.Errorf("set cancellation of %s: %w", victim, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set cancellation of %s: rows affected: %w", victim, err)
	}
	return n > 0, nil
}

// putGrant records the processed state of a permission tuple, superseding
// any previous state for the same (subject, type, permission).
func putGrant(ctx context.Context, db execer, g ir.PermissionGrant) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO grants
		(subject, type, permission, state, grantor, source_author, source_type, source_global_time, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, type, permission) DO UPDATE SET
			state = excluded.state,
			grantor = excluded.grantor,
			source_author = excluded.source_author,
			source_type = excluded.source_type,
			source_global_time = excluded.source_global_time,
			seq = excluded.seq
	`,
		string(g.Grant.Subject),
		string(g.Grant.Type),
		string(g.Grant.Permission),
		string(g.State),
		string(g.Grantor),
		string(g.Source.Author),
		string(g.Source.Type),
		int64(g.Source.GlobalTime),
		g.Seq,
	)
	if err != nil {
		return fmt.Errorf("put grant %s/%s/%s: %w", g.Grant.Subject.Short(), g.Grant.Type, g.Grant.Permission, err)
	}
	return nil
}
