package packet

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/roach88/retract/internal/ir"
)

var (
	// ErrMalformed is returned for packets whose body does not describe a
	// well-formed record.
	ErrMalformed = errors.New("malformed packet")

	// ErrNotCanonical is returned when the body parses but is not in
	// canonical form.
	ErrNotCanonical = errors.New("packet body is not canonical")
)

// Encode signs r with s and returns r with Wire populated.
// The signer must be the record's author.
func Encode(r ir.Record, s *Signer) (ir.Record, error) {
	if r.Author != s.Member() {
		return ir.Record{}, fmt.Errorf("encode %s: signer %s is not the author", r.Key(), s.Member().Short())
	}
	body, err := Body(r)
	if err != nil {
		return ir.Record{}, err
	}
	sig := s.Sign(body)
	wire := make([]byte, 0, len(body)+len(sig))
	wire = append(wire, body...)
	r.Wire = append(wire, sig...)
	return r, nil
}

// Body returns the canonical JSON body of r (the signed portion of the wire
// bytes).
func Body(r ir.Record) ([]byte, error) {
	if err := checkShape(r); err != nil {
		return nil, err
	}

	obj := ir.IRObject{
		"author":      ir.IRString(r.Author),
		"global_time": ir.IRInt(int64(r.GlobalTime)),
		"type":        ir.IRString(r.Type),
	}
	if r.Payload != nil {
		obj["payload"] = r.Payload
	}
	if r.Victim != nil {
		obj["victim"] = keyObject(*r.Victim)
	}
	if len(r.Grants) > 0 {
		grants := make(ir.IRArray, len(r.Grants))
		for i, g := range r.Grants {
			grants[i] = ir.IRObject{
				"subject":    ir.IRString(g.Subject),
				"type":       ir.IRString(g.Type),
				"permission": ir.IRString(g.Permission),
			}
		}
		obj["grants"] = grants
	}

	body, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Key(), err)
	}
	return body, nil
}

// Decode parses and verifies wire bytes.
func Decode(wire []byte) (ir.Record, error) {
	if len(wire) <= SignatureSize {
		return ir.Record{}, fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(wire))
	}
	split := len(wire) - SignatureSize
	body, sig := wire[:split], wire[split:]

	v, err := ir.UnmarshalIRValue(body)
	if err != nil {
		return ir.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return ir.Record{}, fmt.Errorf("%w: body is not an object", ErrMalformed)
	}

	r, err := recordFromObject(obj)
	if err != nil {
		return ir.Record{}, err
	}

	canonical, err := Body(r)
	if err != nil {
		return ir.Record{}, err
	}
	if !bytes.Equal(canonical, body) {
		return ir.Record{}, fmt.Errorf("decode %s: %w", r.Key(), ErrNotCanonical)
	}

	if err := Verify(r.Author, body, sig); err != nil {
		return ir.Record{}, fmt.Errorf("decode %s: %w", r.Key(), err)
	}

	r.Wire = bytes.Clone(wire)
	return r, nil
}

func checkShape(r ir.Record) error {
	if r.Author == "" || r.Type == "" {
		return fmt.Errorf("%w: author and type are required", ErrMalformed)
	}
	if r.GlobalTime > math.MaxInt64 {
		return fmt.Errorf("%w: global time %d out of range", ErrMalformed, r.GlobalTime)
	}

	switch {
	case r.Type == ir.TypeMissingRecord:
		return fmt.Errorf("%w: %s is a request, not a record", ErrMalformed, r.Type)
	case r.Type == ir.FamilyCancel:
		return fmt.Errorf("%w: %s is not a record type", ErrMalformed, r.Type)
	case r.Type.IsCancel():
		if r.Victim == nil {
			return fmt.Errorf("%w: %s requires a victim", ErrMalformed, r.Type)
		}
		if r.Victim.Author == "" || r.Victim.Type == "" {
			return fmt.Errorf("%w: incomplete victim reference", ErrMalformed)
		}
		if r.Victim.GlobalTime > math.MaxInt64 {
			return fmt.Errorf("%w: victim global time out of range", ErrMalformed)
		}
		if r.Payload != nil || len(r.Grants) > 0 {
			return fmt.Errorf("%w: %s carries only a victim", ErrMalformed, r.Type)
		}
	case r.Type.IsGrant():
		if len(r.Grants) == 0 {
			return fmt.Errorf("%w: %s requires grants", ErrMalformed, r.Type)
		}
		if r.Payload != nil || r.Victim != nil {
			return fmt.Errorf("%w: %s carries only grants", ErrMalformed, r.Type)
		}
		for i, g := range r.Grants {
			if g.Subject == "" || g.Type == "" || !g.Permission.Valid() {
				return fmt.Errorf("%w: grant[%d] is incomplete", ErrMalformed, i)
			}
		}
	default:
		if r.Victim != nil || len(r.Grants) > 0 {
			return fmt.Errorf("%w: data record %s carries a victim or grants", ErrMalformed, r.Type)
		}
	}
	return nil
}

func keyObject(k ir.RecordKey) ir.IRObject {
	return ir.IRObject{
		"author":      ir.IRString(k.Author),
		"type":        ir.IRString(k.Type),
		"global_time": ir.IRInt(int64(k.GlobalTime)),
	}
}

func recordFromObject(obj ir.IRObject) (ir.Record, error) {
	for k := range obj {
		switch k {
		case "author", "global_time", "type", "payload", "victim", "grants":
		default:
			return ir.Record{}, fmt.Errorf("%w: unknown field %q", ErrMalformed, k)
		}
	}

	var r ir.Record
	author, err := stringField(obj, "author")
	if err != nil {
		return ir.Record{}, err
	}
	typ, err := stringField(obj, "type")
	if err != nil {
		return ir.Record{}, err
	}
	gt, err := timeField(obj, "global_time")
	if err != nil {
		return ir.Record{}, err
	}
	r.Author, r.Type, r.GlobalTime = ir.MemberID(author), ir.RecordType(typ), gt

	if v, ok := obj["payload"]; ok {
		p, ok := v.(ir.IRObject)
		if !ok {
			return ir.Record{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
		}
		r.Payload = p
	}

	if v, ok := obj["victim"]; ok {
		vo, ok := v.(ir.IRObject)
		if !ok || len(vo) != 3 {
			return ir.Record{}, fmt.Errorf("%w: victim must be {author,type,global_time}", ErrMalformed)
		}
		va, err := stringField(vo, "author")
		if err != nil {
			return ir.Record{}, err
		}
		vt, err := stringField(vo, "type")
		if err != nil {
			return ir.Record{}, err
		}
		vg, err := timeField(vo, "global_time")
		if err != nil {
			return ir.Record{}, err
		}
		r.Victim = &ir.RecordKey{Author: ir.MemberID(va), Type: ir.RecordType(vt), GlobalTime: vg}
	}

	if v, ok := obj["grants"]; ok {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return ir.Record{}, fmt.Errorf("%w: grants must be an array", ErrMalformed)
		}
		for i, elem := range arr {
			g, ok := elem.(ir.IRObject)
			if !ok || len(g) != 3 {
				return ir.Record{}, fmt.Errorf("%w: grant[%d] must be {subject,type,permission}", ErrMalformed, i)
			}
			subject, err := stringField(g, "subject")
			if err != nil {
				return ir.Record{}, err
			}
			gtype, err := stringField(g, "type")
			if err != nil {
				return ir.Record{}, err
			}
			perm, err := stringField(g, "permission")
			if err != nil {
				return ir.Record{}, err
			}
			r.Grants = append(r.Grants, ir.Grant{
				Subject:    ir.MemberID(subject),
				Type:       ir.RecordType(gtype),
				Permission: ir.Permission(perm),
			})
		}
	}

	return r, nil
}

func stringField(obj ir.IRObject, name string) (string, error) {
	v, ok := obj[name].(ir.IRString)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
	}
	return string(v), nil
}

func timeField(obj ir.IRObject, name string) (uint64, error) {
	v, ok := obj[name].(ir.IRInt)
	if !ok || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrMalformed, name)
	}
	return uint64(v), nil
}
