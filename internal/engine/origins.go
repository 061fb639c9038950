package engine

import (
	"sync"

	"github.com/roach88/retract/internal/ir"
)

// origins remembers which peer delivered the active canceller of a victim,
// so that the peer can be told when a higher cancel displaces it. Entries
// are not persisted: after a restart the notification is simply skipped.
type origins struct {
	mu   sync.Mutex
	peer map[ir.RecordKey]ir.PeerID // keyed by victim identity
}

func newOrigins() *origins {
	return &origins{peer: make(map[ir.RecordKey]ir.PeerID)}
}

// swap records from as the origin of victim's active canceller and returns
// the previous origin, if any.
func (o *origins) swap(victim ir.RecordKey, from ir.PeerID) ir.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := victim.Identity()
	prev := o.peer[id]
	if from == "" {
		delete(o.peer, id)
	} else {
		o.peer[id] = from
	}
	return prev
}
