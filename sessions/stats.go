package sessions

import (
	"sync/atomic"

	"github.com/sessionmesh/sessionmesh/cluster"
)

// Stats exposes the manager's monotonically increasing counters: one per
// message type in each direction, plus the rejection, failed-transfer, and
// session-replacement counts. These are observability outputs, not protocol
// inputs.
type Stats struct {
	sent     [cluster.EventTypeCount]atomic.Int64
	received [cluster.EventTypeCount]atomic.Int64

	rejectedSessions    atomic.Int64
	noStateTransferred  atomic.Int64
	sessionReplacements atomic.Int64
}

func (st *Stats) markSent(e cluster.EventType)     { st.sent[e].Add(1) }
func (st *Stats) markReceived(e cluster.EventType) { st.received[e].Add(1) }

// Sent returns how many messages of the given type were sent.
func (st *Stats) Sent(e cluster.EventType) int64 { return st.sent[e].Load() }

// Received returns how many messages of the given type were received.
func (st *Stats) Received(e cluster.EventType) int64 { return st.received[e].Load() }

// RejectedSessions counts creations refused by MaxActiveSessions.
func (st *Stats) RejectedSessions() int64 { return st.rejectedSessions.Load() }

// NoStateTransferred counts bootstrap attempts that timed out.
func (st *Stats) NoStateTransferred() int64 { return st.noStateTransferred.Load() }

// SessionReplacements counts bulk-transfer sessions that overwrote an
// existing local copy.
func (st *Stats) SessionReplacements() int64 { return st.sessionReplacements.Load() }

// Reset zeroes every counter.
func (st *Stats) Reset() {
	for i := range st.sent {
		st.sent[i].Store(0)
		st.received[i].Store(0)
	}
	st.rejectedSessions.Store(0)
	st.noStateTransferred.Store(0)
	st.sessionReplacements.Store(0)
}
