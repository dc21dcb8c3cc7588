package debugger

import (
	"time"

	"github.com/google/uuid"

	"github.com/periplon/engine/statestore"
)

// Snapshot is one point-in-time capture of a run: a monotonic index, the
// execution pointer, and a shallow copy of WorkflowState. Per testable
// property #5, snapshots are totally ordered by Index and that order is
// timestamp-consistent.
type Snapshot struct {
	ID          string
	Index       int64
	Timestamp   time.Time
	Pointer     Pointer
	State       *statestore.Snapshot
	Description string

	// journalCursor is the journal length at the moment this snapshot was
	// taken; it anchors the replay prefix a time-travel undo to this
	// snapshot must run (everything appended to the journal after this
	// index).
	journalCursor int
}

// newSnapshot captures state and pointer as of now, stamping it with the
// next monotonic index and a fresh uuid.
func newSnapshot(index int64, pointer Pointer, state *statestore.Snapshot, description string, journalCursor int) *Snapshot {
	return &Snapshot{
		ID:            uuid.New().String(),
		Index:         index,
		Timestamp:     time.Now(),
		Pointer:       pointer.clone(),
		State:         state,
		Description:   description,
		journalCursor: journalCursor,
	}
}

// ring is a bounded, insertion-ordered buffer of snapshots. When full, the
// oldest entry is evicted; per §3, evicting a snapshot invalidates the
// journal prefix it anchored, since no surviving snapshot can target an
// undo earlier than the new oldest one.
type ring struct {
	capacity int
	entries  []*Snapshot
	nextID   int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{capacity: capacity}
}

// push appends a new snapshot, evicting the oldest if the ring is full.
// It returns the number of journal entries now safe to trim (the oldest
// surviving snapshot's cursor), or -1 if nothing was evicted.
func (r *ring) push(s *Snapshot) int {
	r.entries = append(r.entries, s)
	if len(r.entries) <= r.capacity {
		return -1
	}
	r.entries = r.entries[1:]
	return r.entries[0].journalCursor
}

func (r *ring) latest() *Snapshot {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

// at returns the snapshot n positions before the most recent one (n=0 is
// the latest), or nil if it has been evicted or never existed.
func (r *ring) at(n int) *Snapshot {
	idx := len(r.entries) - 1 - n
	if idx < 0 || idx >= len(r.entries) {
		return nil
	}
	return r.entries[idx]
}

// indexOf returns the ring-relative position of s (0 = oldest), or -1.
func (r *ring) indexOf(s *Snapshot) int {
	for i, e := range r.entries {
		if e == s {
			return i
		}
	}
	return -1
}

func (r *ring) len() int {
	return len(r.entries)
}

func (r *ring) list() []*Snapshot {
	return append([]*Snapshot(nil), r.entries...)
}
