package engine

import (
	"slices"
	"sync"

	"github.com/roach88/retract/internal/ir"
)

// pendingEntry is a cancellation waiting for its victim.
type pendingEntry struct {
	cancel ir.Record
	from   ir.PeerID
}

// peerMember names one batch of missing-record requests: the peer asked and
// the member whose records are missing.
type peerMember struct {
	peer   ir.PeerID
	member ir.MemberID
}

func (pm peerMember) taskName() string {
	return "missing:" + string(pm.peer) + ":" + string(pm.member)
}

// pendingQueue holds cancellations whose victim has not arrived yet, and the
// (author, global time) pairs still outstanding per peer.
//
// Entries for one victim are only added or popped while holding that
// victim's stripe. dropSlot runs under the stripe of the record that took
// the slot, so it only removes entries whose victim can never arrive. The
// mutex protects the maps themselves, which span stripes.
type pendingQueue struct {
	mu       sync.Mutex
	byVictim map[ir.RecordKey][]pendingEntry // keyed by victim identity

	// outstanding maps each batch to its missing global times. The value
	// is true once the time has been included in a sent request.
	outstanding map[peerMember]map[uint64]bool
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		byVictim:    make(map[ir.RecordKey][]pendingEntry),
		outstanding: make(map[peerMember]map[uint64]bool),
	}
}

// enqueue appends e to the victim's list in arrival order. added is false
// when the same cancel identity is already queued for this victim.
// newlyOutstanding is true when the victim was not yet outstanding for
// e.from, in which case the caller should schedule a request.
func (q *pendingQueue) enqueue(victim ir.RecordKey, e pendingEntry) (added, newlyOutstanding bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := victim.Identity()
	for _, existing := range q.byVictim[id] {
		if existing.cancel.Key().SameIdentity(e.cancel.Key()) {
			return false, false
		}
	}
	q.byVictim[id] = append(q.byVictim[id], e)

	if e.from == "" {
		return true, false
	}
	pm := peerMember{peer: e.from, member: victim.Author}
	times, ok := q.outstanding[pm]
	if !ok {
		times = make(map[uint64]bool)
		q.outstanding[pm] = times
	}
	if _, ok := times[victim.GlobalTime]; ok {
		return true, false
	}
	times[victim.GlobalTime] = false
	return true, true
}

// popVictim removes and returns every entry queued for victim, in arrival
// order, and clears the victim from all outstanding batches. It returns the
// batches that became empty.
func (q *pendingQueue) popVictim(victim ir.RecordKey) ([]pendingEntry, []peerMember) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := victim.Identity()
	entries := q.byVictim[id]
	delete(q.byVictim, id)
	return entries, q.clearOutstandingLocked(victim.Author, victim.GlobalTime)
}

// dropSlot removes every entry whose victim shares stored's author and global
// time but not its identity. Such a victim can never arrive.
func (q *pendingQueue) dropSlot(stored ir.RecordKey) ([]pendingEntry, []peerMember) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []pendingEntry
	for id, entries := range q.byVictim {
		if id.Author != stored.Author || id.GlobalTime != stored.GlobalTime || id.SameIdentity(stored) {
			continue
		}
		dropped = append(dropped, entries...)
		delete(q.byVictim, id)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	return dropped, q.clearOutstandingLocked(stored.Author, stored.GlobalTime)
}

// requeue puts entries back at the head of the victim's list, ahead of
// anything queued since they were popped.
func (q *pendingQueue) requeue(victim ir.RecordKey, entries []pendingEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	id := victim.Identity()
	q.byVictim[id] = append(slices.Clone(entries), q.byVictim[id]...)
}

func (q *pendingQueue) clearOutstandingLocked(author ir.MemberID, gt uint64) []peerMember {
	var drained []peerMember
	for pm, times := range q.outstanding {
		if pm.member != author {
			continue
		}
		if _, ok := times[gt]; !ok {
			continue
		}
		delete(times, gt)
		if len(times) == 0 {
			delete(q.outstanding, pm)
			drained = append(drained, pm)
		}
	}
	return drained
}

// takeUnrequested returns the outstanding times of pm not yet sent in any
// request and marks them sent.
func (q *pendingQueue) takeUnrequested(pm peerMember) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []uint64
	for t, sent := range q.outstanding[pm] {
		if !sent {
			out = append(out, t)
			q.outstanding[pm][t] = true
		}
	}
	slices.Sort(out)
	return out
}

// outstandingTimes returns every outstanding time of pm, sent or not.
func (q *pendingQueue) outstandingTimes(pm peerMember) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]uint64, 0, len(q.outstanding[pm]))
	for t := range q.outstanding[pm] {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// stats returns the number of victims waiting and cancels queued.
func (q *pendingQueue) stats() (victims, cancels int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entries := range q.byVictim {
		cancels += len(entries)
	}
	return len(q.byVictim), cancels
}
