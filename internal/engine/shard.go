package engine

import (
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/roach88/retract/internal/ir"
)

// DefaultShards is the default number of victim stripes.
const DefaultShards = 64

// stripes serializes work per victim identity. Two keys with the same
// identity always map to the same lock; unrelated keys usually do not.
type stripes struct {
	locks []sync.Mutex
}

func newStripes(n int) *stripes {
	if n <= 0 {
		n = DefaultShards
	}
	return &stripes{locks: make([]sync.Mutex, n)}
}

func (s *stripes) index(k ir.RecordKey) int {
	id := k.Identity()
	h := fnv.New32a()
	h.Write([]byte(id.Author))
	h.Write([]byte{0})
	h.Write([]byte(id.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(id.GlobalTime, 10)))
	return int(h.Sum32() % uint32(len(s.locks)))
}

// lock acquires the stripe of k and returns its unlock function.
func (s *stripes) lock(k ir.RecordKey) func() {
	m := &s.locks[s.index(k)]
	m.Lock()
	return m.Unlock
}
