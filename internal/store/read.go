package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/retract/internal/ir"
)

const recordColumns = `seq, author, type, global_time, wire, payload,
	victim_author, victim_type, victim_global_time, grants,
	cancelled_by_author, cancelled_by_type, cancelled_by_global_time`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStored(sc rowScanner) (ir.StoredRecord, error) {
	var (
		seq      int64
		author   string
		typ      string
		gt       int64
		wire     []byte
		payload  sql.NullString
		grants   sql.NullString
		victim   keyColumns
		canceler keyColumns
	)
	err := sc.Scan(&seq, &author, &typ, &gt, &wire, &payload,
		&victim.author, &victim.typ, &victim.globalTime, &grants,
		&canceler.author, &canceler.typ, &canceler.globalTime)
	if err != nil {
		return ir.StoredRecord{}, err
	}

	p, err := unmarshalPayload(payload)
	if err != nil {
		return ir.StoredRecord{}, err
	}
	g, err := unmarshalGrants(grants)
	if err != nil {
		return ir.StoredRecord{}, err
	}

	return ir.StoredRecord{
		Seq: seq,
		Record: ir.Record{
			Author:     ir.MemberID(author),
			Type:       ir.RecordType(typ),
			GlobalTime: uint64(gt),
			Payload:    p,
			Victim:     victim.key(),
			Grants:     g,
			Wire:       wire,
		},
		Status: ir.CancellationStatus{CancelledBy: canceler.key()},
	}, nil
}

func scanAll(rows *sql.Rows, what string) ([]ir.StoredRecord, error) {
	defer rows.Close()

	out := []ir.StoredRecord{}
	for rows.Next() {
		sr, err := scanStored(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func records(stored []ir.StoredRecord) []ir.Record {
	out := make([]ir.Record, len(stored))
	for i, sr := range stored {
		out[i] = sr.Record
	}
	return out
}

// LookupStored returns the stored record with the identity of key, with its
// local annotations. Returns ErrNotFound if absent.
func (s *Store) LookupStored(ctx context.Context, key ir.RecordKey) (ir.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE author = ? AND family = ? AND global_time = ?
	`, string(key.Author), string(key.Type.Family()), int64(key.GlobalTime))

	sr, err := scanStored(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StoredRecord{}, fmt.Errorf("lookup %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return ir.StoredRecord{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	return sr, nil
}

// LookupRecord returns the record with the identity of key.
// Returns ErrNotFound if absent.
func (s *Store) LookupRecord(ctx context.Context, key ir.RecordKey) (ir.Record, error) {
	sr, err := s.LookupStored(ctx, key)
	if err != nil {
		return ir.Record{}, err
	}
	return sr.Record, nil
}

// HasRecord reports whether a record with the identity of key is stored.
func (s *Store) HasRecord(ctx context.Context, key ir.RecordKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM records
		WHERE author = ? AND family = ? AND global_time = ?
	`, string(key.Author), string(key.Type.Family()), int64(key.GlobalTime)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has record %s: %w", key, err)
	}
	return true, nil
}

// CancellationStatus returns the cancellation annotation of a stored victim.
// Returns ErrNotFound if the victim is not stored.
func (s *Store) CancellationStatus(ctx context.Context, victim ir.RecordKey) (ir.CancellationStatus, error) {
	var by keyColumns
	err := s.db.QueryRowContext(ctx, `
		SELECT cancelled_by_author, cancelled_by_type, cancelled_by_global_time
		FROM records
		WHERE author = ? AND family = ? AND global_time = ?
	`, string(victim.Author), string(victim.Type.Family()), int64(victim.GlobalTime)).
		Scan(&by.author, &by.typ, &by.globalTime)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CancellationStatus{}, fmt.Errorf("cancellation status of %s: %w", victim, ErrNotFound)
	}
	if err != nil {
		return ir.CancellationStatus{}, fmt.Errorf("cancellation status of %s: %w", victim, err)
	}
	return ir.CancellationStatus{CancelledBy: by.key()}, nil
}

// ReadCancellers returns every stored cancel record targeting victim, active
// or not, in local arrival order.
func (s *Store) ReadCancellers(ctx context.Context, victim ir.RecordKey) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE family = ? AND victim_author = ? AND victim_type = ? AND victim_global_time = ?
		ORDER BY seq ASC
	`, string(ir.FamilyCancel), string(victim.Author), string(victim.Type), int64(victim.GlobalTime))
	if err != nil {
		return nil, fmt.Errorf("query cancellers of %s: %w", victim, err)
	}
	stored, err := scanAll(rows, "cancellers")
	if err != nil {
		return nil, err
	}
	return records(stored), nil
}

// ReadRecordsAt returns every stored record authored by author at one of the
// given global times, ordered by global time then type.
func (s *Store) ReadRecordsAt(ctx context.Context, author ir.MemberID, times []uint64) ([]ir.Record, error) {
	if len(times) == 0 {
		return []ir.Record{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(times)), ",")
	args := make([]any, 0, len(times)+1)
	args = append(args, string(author))
	for _, t := range times {
		args = append(args, int64(t))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE author = ? AND global_time IN (`+placeholders+`)
		ORDER BY global_time ASC, type COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records of %s: %w", author.Short(), err)
	}
	stored, err := scanAll(rows, "records")
	if err != nil {
		return nil, err
	}
	return records(stored), nil
}

// ReadRecords returns stored records in arrival order, optionally filtered by
// author. limit <= 0 means no limit.
func (s *Store) ReadRecords(ctx context.Context, author ir.MemberID, limit int) ([]ir.StoredRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	var args []any
	if author != "" {
		query += ` WHERE author = ?`
		args = append(args, string(author))
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return scanAll(rows, "records")
}

// ReadGrants returns every processed permission tuple in processing order.
func (s *Store) ReadGrants(ctx context.Context) ([]ir.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, type, permission, state, grantor,
		       source_author, source_type, source_global_time, seq
		FROM grants
		ORDER BY seq ASC, subject COLLATE BINARY ASC, type COLLATE BINARY ASC, permission COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	grants := []ir.PermissionGrant{}
	for rows.Next() {
		var (
			g                  ir.PermissionGrant
			subject, typ, perm string
			state, grantor     string
			srcAuthor, srcType string
			srcTime            int64
		)
		if err := rows.Scan(&subject, &typ, &perm, &state, &grantor, &srcAuthor, &srcType, &srcTime, &g.Seq); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Grant = ir.Grant{Subject: ir.MemberID(subject), Type: ir.RecordType(typ), Permission: ir.Permission(perm)}
		g.State = ir.GrantState(state)
		g.Grantor = ir.MemberID(grantor)
		g.Source = ir.RecordKey{Author: ir.MemberID(srcAuthor), Type: ir.RecordType(srcType), GlobalTime: uint64(srcTime)}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// MaxGlobalTime returns the highest global time of any stored record, or 0
// for an empty store.
func (s *Store) MaxGlobalTime(ctx context.Context) (uint64, error) {
	var highest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(global_time) FROM records`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("max global time: %w", err)
	}
	return uint64(highest.Int64), nil
}

// MaxGrantSeq returns the highest grant processing seq, or 0.
func (s *Store) MaxGrantSeq(ctx context.Context) (int64, error) {
	var highest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM grants`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("max grant seq: %w", err)
	}
	return highest.Int64, nil
}
