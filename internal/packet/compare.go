package packet

import (
	"bytes"

	"github.com/roach88/retract/internal/ir"
)

// Compare orders two wire encodings lexicographically. It returns a negative
// number when a < b, zero when equal and a positive number when a > b.
//
// Only used to pick the active canceller among records contesting the same
// victim. Global time and arrival order play no part.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Higher returns whichever of a and b has the greater wire bytes.
// On equal bytes it returns a.
func Higher(a, b ir.Record) ir.Record {
	if Compare(b.Wire, a.Wire) > 0 {
		return b
	}
	return a
}

// Wins reports whether candidate displaces current as active canceller.
func Wins(candidate, current []byte) bool {
	return Compare(candidate, current) > 0
}
