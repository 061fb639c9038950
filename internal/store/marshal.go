package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/retract/internal/ir"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
// A nil payload is stored as NULL.
func marshalPayload(payload ir.IRObject) (sql.NullString, error) {
	if payload == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalPayload parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which handles large integers via json.Number.
func unmarshalPayload(data sql.NullString) (ir.IRObject, error) {
	if !data.Valid {
		return nil, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data.String), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// marshalGrants converts grant tuples to JSON TEXT.
// HTML escaping is disabled so stored text matches the canonical body.
func marshalGrants(grants []ir.Grant) (sql.NullString, error) {
	if len(grants) == 0 {
		return sql.NullString{}, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(grants); err != nil {
		return sql.NullString{}, fmt.Errorf("marshal grants: %w", err)
	}
	return sql.NullString{String: strings.TrimSpace(buf.String()), Valid: true}, nil
}

// unmarshalGrants parses JSON TEXT to grant tuples.
func unmarshalGrants(data sql.NullString) ([]ir.Grant, error) {
	if !data.Valid {
		return nil, nil
	}
	var grants []ir.Grant
	if err := json.Unmarshal([]byte(data.String), &grants); err != nil {
		return nil, fmt.Errorf("unmarshal grants: %w", err)
	}
	return grants, nil
}

// keyColumns holds a nullable record key as scanned from three columns.
type keyColumns struct {
	author     sql.NullString
	typ        sql.NullString
	globalTime sql.NullInt64
}

func (k keyColumns) key() *ir.RecordKey {
	if !k.author.Valid {
		return nil
	}
	return &ir.RecordKey{
		Author:     ir.MemberID(k.author.String),
		Type:       ir.RecordType(k.typ.String),
		GlobalTime: uint64(k.globalTime.Int64),
	}
}

func nullableKey(k *ir.RecordKey) (sql.NullString, sql.NullString, sql.NullInt64) {
	if k == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullInt64{}
	}
	return sql.NullString{String: string(k.Author), Valid: true},
		sql.NullString{String: string(k.Type), Valid: true},
		sql.NullInt64{Int64: int64(k.GlobalTime), Valid: true}
}
