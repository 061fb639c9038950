package packet

import (
	"fmt"

	"github.com/roach88/retract/internal/ir"
)

// EncodeMissingRequest returns the canonical JSON form of req. Requests are
// not signed: they only ask for records, which carry their own signatures.
func EncodeMissingRequest(req ir.MissingRequest) ([]byte, error) {
	times := make(ir.IRArray, len(req.GlobalTimes))
	for i, t := range req.GlobalTimes {
		if int64(t) < 0 {
			return nil, fmt.Errorf("%w: global time %d out of range", ErrMalformed, t)
		}
		times[i] = ir.IRInt(int64(t))
	}
	return ir.MarshalCanonical(ir.IRObject{
		"id":           ir.IRString(req.ID),
		"member":       ir.IRString(req.Member),
		"global_times": times,
	})
}

// DecodeMissingRequest parses a request produced by EncodeMissingRequest.
func DecodeMissingRequest(data []byte) (ir.MissingRequest, error) {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return ir.MissingRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return ir.MissingRequest{}, fmt.Errorf("%w: request is not an object", ErrMalformed)
	}

	id, err := stringField(obj, "id")
	if err != nil {
		return ir.MissingRequest{}, err
	}
	member, err := stringField(obj, "member")
	if err != nil {
		return ir.MissingRequest{}, err
	}
	if _, err := PublicKeyFromMember(ir.MemberID(member)); err != nil {
		return ir.MissingRequest{}, err
	}

	arr, ok := obj["global_times"].(ir.IRArray)
	if !ok {
		return ir.MissingRequest{}, fmt.Errorf("%w: global_times must be an array", ErrMalformed)
	}
	req := ir.MissingRequest{ID: id, Member: ir.MemberID(member), GlobalTimes: make([]uint64, len(arr))}
	for i, elem := range arr {
		t, ok := elem.(ir.IRInt)
		if !ok || t < 0 {
			return ir.MissingRequest{}, fmt.Errorf("%w: global_times[%d] must be a non-negative integer", ErrMalformed, i)
		}
		req.GlobalTimes[i] = uint64(t)
	}
	return req, nil
}
