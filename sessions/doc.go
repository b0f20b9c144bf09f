// Package sessions implements delta-based session replication across a
// cluster of nodes. Each node runs a Manager holding live Session objects;
// attribute mutations during a request are recorded into the session's
// DeltaRequest and shipped to peers as incremental SESSION_DELTA messages at
// end of request instead of full snapshots.
//
// Layers & Roles
//
//	cluster.Transport -> group communication (membership, delivery)
//	Manager           -> replication protocol, message dispatch, session table
//	Session           -> per-node session entity with lock + mutation log
//	DeltaRequest      -> ordered, replayable record of one request's mutations
//
// # Roles
//
// Exactly one copy of a session across the cluster should be primary: the
// copy serving requests. Every copy touched over the wire is demoted to
// backup; the next locally completed request promotes the local copy back to
// primary. Backup copies self-expire only after twice the configured idle
// threshold, a safety net for a primary that died without sending its expiry.
//
// # Bootstrap
//
// A starting Manager asks the first cluster member for a full state transfer
// and buffers session events until the transfer completes, then drains the
// buffer through a wall-clock staleness filter. See Manager.Start.
//
// The encoding of attribute values is pluggable via Codec; GobCodec is the
// default used by tests and examples.
package sessions
