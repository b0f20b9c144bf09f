package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sessionmesh/sessionmesh/cluster"
	"github.com/sessionmesh/sessionmesh/cluster/memorytransport"
	"github.com/sessionmesh/sessionmesh/internal/clock"
)

// recordingTransport captures outbound messages without delivering them
// anywhere. Peers can be registered so domain filtering and state-transfer
// targeting have a membership view to work against.
type recordingTransport struct {
	mu      sync.Mutex
	member  cluster.Member
	peers   []cluster.Member
	handler cluster.Handler
	sent    []cluster.Message
}

func newRecordingTransport(name, domain string) *recordingTransport {
	return &recordingTransport{member: cluster.Member{Name: name, Domain: domain}}
}

func (r *recordingTransport) addPeer(name, domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, cluster.Member{Name: name, Domain: domain})
}

func (r *recordingTransport) SetHandler(h cluster.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *recordingTransport) LocalMember() cluster.Member { return r.member }

func (r *recordingTransport) Members() []cluster.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cluster.Member, len(r.peers))
	copy(out, r.peers)
	return out
}

func (r *recordingTransport) Send(ctx context.Context, msg cluster.Message) error {
	r.record(msg)
	return nil
}

func (r *recordingTransport) SendTo(ctx context.Context, msg cluster.Message, target cluster.Member) error {
	r.record(msg)
	return nil
}

func (r *recordingTransport) SendToDomain(ctx context.Context, msg cluster.Message) error {
	r.record(msg)
	return nil
}

func (r *recordingTransport) record(msg cluster.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
}

func (r *recordingTransport) countSent(e cluster.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.sent {
		if msg.Event == e {
			n++
		}
	}
	return n
}

func (r *recordingTransport) lastSent(e cluster.EventType) (cluster.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Event == e {
			return r.sent[i], true
		}
	}
	return cluster.Message{}, false
}

func (r *recordingTransport) events() []cluster.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cluster.EventType, len(r.sent))
	for i, msg := range r.sent {
		out[i] = msg.Event
	}
	return out
}

func (r *recordingTransport) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestManager_RequestCompletedSendsDeltaAndResetsLog(t *testing.T) {
	rec := newRecordingTransport("a", "")
	m := NewManager(quietConfig(), rec)

	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec.reset()

	if err := s.SetAttribute("user", "alice"); err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	m.RequestCompleted(context.Background(), "s1")

	if got := rec.countSent(cluster.EventSessionDelta); got != 1 {
		t.Fatalf("expected one delta message, got %d", got)
	}
	msg, _ := rec.lastSent(cluster.EventSessionDelta)
	if msg.SessionID != "s1" {
		t.Fatalf("delta bound to session %q, want s1", msg.SessionID)
	}
	if s.IsDirty() {
		t.Fatal("delta log must be empty after replication")
	}

	d, err := DeserializeDeltaRequest(msg.Payload, GobCodec{})
	if err != nil {
		t.Fatalf("decode delta payload: %v", err)
	}
	if d.Size() != 1 {
		t.Fatalf("payload carries %d entries, want 1", d.Size())
	}
}

func TestManager_RequestCompletedAccessedPromotesBackup(t *testing.T) {
	rec := newRecordingTransport("a", "")
	m := NewManager(quietConfig(), rec)

	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	s.SetPrimarySession(false)
	rec.reset()

	m.RequestCompleted(context.Background(), "s1")

	if got := rec.countSent(cluster.EventSessionAccessed); got != 1 {
		t.Fatalf("expected one accessed message, got %d", got)
	}
	if !s.IsPrimarySession() {
		t.Fatal("serving a request must promote the local copy to primary")
	}
}

func TestManager_RequestCompletedHeartbeatAfterLongIdle(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	cfg := quietConfig()
	cfg.Clock = clk
	cfg.MaxInactiveInterval = 60
	rec := newRecordingTransport("a", "")
	m := NewManager(cfg, rec)

	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// Stamp lastReplicated via a delta-bearing request.
	if err := s.SetAttribute("user", "alice"); err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	m.RequestCompleted(context.Background(), "s1")
	rec.reset()

	clk.Advance(30 * time.Second)
	s.Access()
	s.EndAccess()
	m.RequestCompleted(context.Background(), "s1")
	if got := rec.countSent(cluster.EventSessionAccessed); got != 0 {
		t.Fatalf("recently replicated primary must stay quiet, sent %d accessed", got)
	}

	clk.Advance(31 * time.Second)
	s.Access()
	s.EndAccess()
	m.RequestCompleted(context.Background(), "s1")
	if got := rec.countSent(cluster.EventSessionAccessed); got != 1 {
		t.Fatalf("idle primary past the interval must heartbeat, sent %d accessed", got)
	}
}

func TestManager_ExpiryFlushesDeltaBeforeExpired(t *testing.T) {
	rec := newRecordingTransport("a", "")
	m := NewManager(quietConfig(), rec)

	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.SetAttribute("user", "alice"); err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	rec.reset()

	s.Expire(true, true)

	events := rec.events()
	if len(events) != 2 ||
		events[0] != cluster.EventSessionDelta ||
		events[1] != cluster.EventSessionExpired {
		t.Fatalf("expected [SESSION_DELTA SESSION_EXPIRED], got %v", events)
	}
}

func TestManager_MaxActiveSessionsZeroRejectsAll(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxActiveSessions = 0
	m := NewManager(cfg, nil)

	_, err := m.CreateSession(context.Background(), "s1")
	if !errors.Is(err, ErrTooManyActiveSessions) {
		t.Fatalf("expected ErrTooManyActiveSessions, got %v", err)
	}
	if got := m.Stats().RejectedSessions(); got != 1 {
		t.Fatalf("rejected counter = %d, want 1", got)
	}
}

func TestManager_CreateSessionRejectsDuplicateID(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	if _, err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := m.CreateSession(context.Background(), "s1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestManager_CreateSessionGeneratesID(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	s, err := m.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("empty requested id must be replaced with a generated one")
	}
}

func TestManager_HandleSessionCreatedBuildsBackup(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	cfg := quietConfig()
	cfg.Clock = clk
	cfg.MaxInactiveInterval = 300
	m := NewManager(cfg, nil)

	created := time.Unix(999_000, 0)
	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: created.UnixMilli(),
	})

	s := m.FindSession("s1")
	if s == nil {
		t.Fatal("replicated creation must add a local copy")
	}
	if s.IsPrimarySession() {
		t.Fatal("replicated copy must start as backup")
	}
	if len(s.AttributeNames()) != 0 {
		t.Fatalf("replicated copy must start empty, has %v", s.AttributeNames())
	}
	if !s.CreationTime().Equal(created) {
		t.Fatalf("creation time = %v, want %v", s.CreationTime(), created)
	}
	if s.MaxInactiveInterval() != 300 {
		t.Fatalf("interval = %d, want the local manager default 300", s.MaxInactiveInterval())
	}
}

func TestManager_HandleSessionCreatedKeepsExistingCopy(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.SetAttribute("user", "alice"); err != nil {
		t.Fatalf("set attribute: %v", err)
	}

	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})

	got := m.FindSession("s1")
	if got != s {
		t.Fatal("replicated creation must not replace a live local copy")
	}
	if got.Attribute("user") != "alice" {
		t.Fatal("local attributes must survive a duplicate creation event")
	}
}

func TestManager_HandleSessionDeltaAppliesAndDemotes(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	d := NewDeltaRequest("s1")
	d.SetAttribute("user", "alice")
	d.SetMaxInactiveInterval(120)
	payload, err := d.Serialize(GobCodec{})
	if err != nil {
		t.Fatalf("serialize delta: %v", err)
	}

	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionDelta,
		Origin:    "b",
		SessionID: "s1",
		Payload:   payload,
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})

	if s.Attribute("user") != "alice" {
		t.Fatalf("attribute = %v, want alice", s.Attribute("user"))
	}
	if s.MaxInactiveInterval() != 120 {
		t.Fatalf("interval = %d, want 120", s.MaxInactiveInterval())
	}
	if s.IsPrimarySession() {
		t.Fatal("receiving a delta must demote the local copy to backup")
	}
	if s.IsDirty() {
		t.Fatal("applying a replicated delta must not dirty the local log")
	}
}

func TestManager_HandleSessionAccessedDemotes(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	s, err := m.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionAccessed,
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})

	if s.IsPrimarySession() {
		t.Fatal("a peer serving the session must demote the local copy")
	}
}

func TestManager_HandleSessionExpiredRemovesQuietly(t *testing.T) {
	rec := newRecordingTransport("a", "")
	m := NewManager(quietConfig(), rec)
	if _, err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec.reset()

	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionExpired,
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})

	if m.FindSession("s1") != nil {
		t.Fatal("replicated expiry must remove the local copy")
	}
	if got := rec.countSent(cluster.EventSessionExpired); got != 0 {
		t.Fatalf("replicated expiry must not echo back to the cluster, sent %d", got)
	}
}

func TestManager_DomainReplicationDropsForeignOrigin(t *testing.T) {
	cfg := quietConfig()
	cfg.DomainReplication = true
	rec := newRecordingTransport("a", "red")
	rec.addPeer("b", "red")
	rec.addPeer("c", "blue")
	m := NewManager(cfg, rec)

	msg := cluster.Message{
		Event:     cluster.EventSessionCreated,
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	}

	msg.Origin = "c"
	m.MessageReceived(msg)
	if m.FindSession("s1") != nil {
		t.Fatal("message from a foreign domain must be dropped")
	}

	msg.Origin = "b"
	m.MessageReceived(msg)
	if m.FindSession("s1") == nil {
		t.Fatal("message from the local domain must be applied")
	}
}

func TestManager_ChangeSessionIDPropagates(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	ma := NewManager(quietConfig(), ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}

	var gotOld, gotNew string
	cfgB := quietConfig()
	cfgB.IDChangeListener = func(oldID, newID string) { gotOld, gotNew = oldID, newID }
	tb := mesh.Join("b", "")
	mb := NewManager(cfgB, tb)
	if err := mb.Start(context.Background()); err != nil {
		t.Fatalf("start b: %v", err)
	}

	s, err := ma.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if mb.FindSession("s1") == nil {
		t.Fatal("creation must replicate to b")
	}

	if err := ma.ChangeSessionID(context.Background(), s, "s2"); err != nil {
		t.Fatalf("change session id: %v", err)
	}

	if s.ID() != "s2" {
		t.Fatalf("local id = %q, want s2", s.ID())
	}
	if ma.FindSession("s1") != nil || ma.FindSession("s2") != s {
		t.Fatal("local table must rebind under the new id")
	}
	remote := mb.FindSession("s2")
	if remote == nil || mb.FindSession("s1") != nil {
		t.Fatal("peer table must rebind under the new id")
	}
	if remote.IsPrimarySession() {
		t.Fatal("peer copy must stay backup after an id change")
	}
	if gotOld != "s1" || gotNew != "s2" {
		t.Fatalf("id change callback got (%q, %q), want (s1, s2)", gotOld, gotNew)
	}
}

func TestManager_BootstrapTransfersFullState(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	cfgA := quietConfig()
	cfgA.SendAllSessions = true
	ma := NewManager(cfgA, ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	s1, err := ma.CreateSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if err := s1.SetAttribute("user", "alice"); err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	if _, err := ma.CreateSession(context.Background(), "s2"); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start c: %v", err)
	}

	if got := mc.ActiveSessions(); got != 2 {
		t.Fatalf("joiner has %d sessions after bootstrap, want 2", got)
	}
	for _, id := range []string{"s1", "s2"} {
		s := mc.FindSession(id)
		if s == nil {
			t.Fatalf("session %s missing after bootstrap", id)
		}
		if s.IsPrimarySession() {
			t.Fatalf("transferred session %s must be backup", id)
		}
		if !s.IsValid() {
			t.Fatalf("transferred session %s must be valid", id)
		}
	}
	if got := mc.FindSession("s1").Attribute("user"); got != "alice" {
		t.Fatalf("transferred attribute = %v, want alice", got)
	}
	if got := mc.Stats().Received(cluster.EventAllSessionData); got != 1 {
		t.Fatalf("single-block transfer delivered %d data messages, want 1", got)
	}
	if got := mc.Stats().Received(cluster.EventTransferComplete); got != 1 {
		t.Fatalf("received %d transfer-complete messages, want 1", got)
	}
}

func TestManager_BootstrapChunksByConfiguredSize(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	cfgA := quietConfig()
	cfgA.SendAllSessionsSize = 2
	cfgA.SendAllSessionsWaitTime = 0
	ma := NewManager(cfgA, ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := ma.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start c: %v", err)
	}

	if got := mc.ActiveSessions(); got != 3 {
		t.Fatalf("joiner has %d sessions, want 3", got)
	}
	if got := mc.Stats().Received(cluster.EventAllSessionData); got != 2 {
		t.Fatalf("3 sessions with chunk size 2 should arrive in 2 blocks, got %d", got)
	}
}

func TestManager_BootstrapSingleChunkWhenSizeExceedsCount(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	cfgA := quietConfig()
	cfgA.SendAllSessionsSize = 10
	ma := NewManager(cfgA, ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := ma.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start c: %v", err)
	}

	if got := mc.Stats().Received(cluster.EventAllSessionData); got != 1 {
		t.Fatalf("chunk size above the session count must yield 1 block, got %d", got)
	}
}

func TestManager_UnknownEventTypeIsDropped(t *testing.T) {
	m := NewManager(quietConfig(), nil)

	// JSON transports decode the event tag without range-checking it, so a
	// corrupt frame can arrive with any uint8 value. It must be discarded,
	// not crash the receive path.
	m.MessageReceived(cluster.Message{
		Event:     cluster.EventType(200),
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})

	if m.FindSession("s1") != nil {
		t.Fatal("a message with an unknown event type must not create state")
	}

	// The receive path keeps working for valid traffic afterwards.
	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})
	if m.FindSession("s1") == nil {
		t.Fatal("valid messages must still apply after a discarded frame")
	}
}

func TestManager_BootstrapMasterWithoutManagerUnblocksWait(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")
	// Node a carries no session manager for this context: it answers the
	// state request with ALL_SESSION_NOCONTEXTMANAGER instead of a snapshot.
	ta.SetHandler(cluster.HandlerFunc(func(msg cluster.Message) {
		if msg.Event != cluster.EventGetAllSessions {
			return
		}
		reply := cluster.Message{
			Event:     cluster.EventNoContextManager,
			Origin:    "a",
			UniqueID:  "ua",
			Timestamp: time.Now().UnixMilli(),
		}
		if err := ta.SendTo(context.Background(), reply, cluster.Member{Name: msg.Origin}); err != nil {
			t.Errorf("reply to %s: %v", msg.Origin, err)
		}
	}))

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := mc.ActiveSessions(); got != 0 {
		t.Fatalf("joiner has %d sessions, want 0", got)
	}
	if got := mc.Stats().Received(cluster.EventNoContextManager); got != 1 {
		t.Fatalf("received %d no-context messages, want 1", got)
	}
	// Buffering must be off once the wait unblocks.
	mc.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "a",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})
	if mc.FindSession("s1") == nil {
		t.Fatal("messages after an answered-without-state wait must dispatch immediately")
	}
}

func TestManager_BootstrapRepairsNonPositiveChunkSize(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	cfgA := quietConfig()
	cfgA.SendAllSessionsSize = -5
	cfgA.SendAllSessionsWaitTime = 0
	ma := NewManager(cfgA, ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := ma.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start c: %v", err)
	}

	// A non-positive chunk size would stall the snapshot loop forever; it is
	// clamped to the default instead, so the whole state arrives in one block.
	if got := mc.ActiveSessions(); got != 3 {
		t.Fatalf("joiner has %d sessions, want 3", got)
	}
	if got := mc.Stats().Received(cluster.EventAllSessionData); got != 1 {
		t.Fatalf("received %d data blocks, want 1", got)
	}
}

func TestManager_BootstrapTimeoutZeroSkipsWait(t *testing.T) {
	mesh := memorytransport.NewCluster()
	mesh.Join("a", "") // present but not serving: no handler attached

	cfg := quietConfig()
	cfg.StateTransferTimeout = 0
	tc := mesh.Join("c", "")
	mc := NewManager(cfg, tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := mc.ActiveSessions(); got != 0 {
		t.Fatalf("joiner has %d sessions, want 0", got)
	}
	// Buffering must be off: post-start traffic applies directly.
	mc.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "a",
		SessionID: "s1",
		UniqueID:  "u1",
		Timestamp: time.Now().UnixMilli(),
	})
	if mc.FindSession("s1") == nil {
		t.Fatal("messages after a skipped wait must dispatch immediately")
	}
}

func TestManager_BootstrapTimeoutElapses(t *testing.T) {
	mesh := memorytransport.NewCluster()
	mesh.Join("a", "") // never answers

	clk := clock.NewManual(time.Unix(1_000_000, 0))
	cfg := quietConfig()
	cfg.Clock = clk
	cfg.StateTransferTimeout = 1
	tc := mesh.Join("c", "")
	mc := NewManager(cfg, tc)
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := mc.Stats().NoStateTransferred(); got != 1 {
		t.Fatalf("no-state-transferred counter = %d, want 1", got)
	}
}

func TestManager_DrainDropsMessagesOlderThanWatermark(t *testing.T) {
	m := NewManager(quietConfig(), nil)
	watermark := time.Unix(1_000_000, 0)

	m.queueMu.Lock()
	m.buffering = true
	m.queueMu.Unlock()

	stale := cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "old",
		UniqueID:  "u1",
		Timestamp: watermark.Add(-time.Minute).UnixMilli(),
	}
	fresh := cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "new",
		UniqueID:  "u2",
		Timestamp: watermark.Add(time.Minute).UnixMilli(),
	}
	m.MessageReceived(stale)
	m.MessageReceived(fresh)

	if m.FindSession("old") != nil || m.FindSession("new") != nil {
		t.Fatal("buffered messages must not apply before the drain")
	}

	m.drainQueuedMessages(watermark)

	if m.FindSession("old") != nil {
		t.Fatal("message older than the watermark must be dropped")
	}
	if m.FindSession("new") == nil {
		t.Fatal("message newer than the watermark must be applied")
	}
}

func TestManager_DrainKeepsStaleWhenDropDisabled(t *testing.T) {
	cfg := quietConfig()
	cfg.StateTimestampDrop = false
	m := NewManager(cfg, nil)
	watermark := time.Unix(1_000_000, 0)

	m.queueMu.Lock()
	m.buffering = true
	m.queueMu.Unlock()

	m.MessageReceived(cluster.Message{
		Event:     cluster.EventSessionCreated,
		Origin:    "b",
		SessionID: "old",
		UniqueID:  "u1",
		Timestamp: watermark.Add(-time.Minute).UnixMilli(),
	})
	m.drainQueuedMessages(watermark)

	if m.FindSession("old") == nil {
		t.Fatal("with the drop filter disabled every buffered message applies")
	}
}

func TestManager_StopExpiresSessionsWhenConfigured(t *testing.T) {
	rec := newRecordingTransport("a", "")
	cfg := quietConfig()
	cfg.ExpireSessionsOnShutdown = true
	m := NewManager(cfg, rec)

	for _, id := range []string{"s1", "s2"} {
		if _, err := m.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	rec.reset()

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := m.ActiveSessions(); got != 0 {
		t.Fatalf("%d sessions left after shutdown, want 0", got)
	}
	if got := rec.countSent(cluster.EventSessionExpired); got != 2 {
		t.Fatalf("shutdown sent %d expired messages, want 2", got)
	}
}

func TestManager_ExpireSessionNotifiesCluster(t *testing.T) {
	rec := newRecordingTransport("a", "")
	m := NewManager(quietConfig(), rec)
	if _, err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec.reset()

	m.ExpireSession("s1")
	m.ExpireSession("ghost") // missing id is ignored

	if m.FindSession("s1") != nil {
		t.Fatal("expired session must leave the table")
	}
	if got := rec.countSent(cluster.EventSessionExpired); got != 1 {
		t.Fatalf("sent %d expired messages, want 1", got)
	}
}

func TestManager_ProcessExpiresSweepsOverdueSessions(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	cfg := quietConfig()
	cfg.Clock = clk
	cfg.MaxInactiveInterval = 60
	m := NewManager(cfg, nil)

	if _, err := m.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	clk.Advance(61 * time.Second)
	m.ProcessExpires()

	if got := m.ActiveSessions(); got != 0 {
		t.Fatalf("%d sessions after sweep, want 0", got)
	}
}

func TestManager_StateTransferReplacementCounts(t *testing.T) {
	mesh := memorytransport.NewCluster()
	ta := mesh.Join("a", "")

	cfgA := quietConfig()
	cfgA.SendAllSessions = true
	ma := NewManager(cfgA, ta)
	if err := ma.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := ma.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create s1: %v", err)
	}

	tc := mesh.Join("c", "")
	mc := NewManager(quietConfig(), tc)
	// Pre-existing local copy under the same id collides with the snapshot.
	if _, err := mc.CreateSession(context.Background(), "s1"); err != nil {
		t.Fatalf("create local s1: %v", err)
	}
	if err := mc.Start(context.Background()); err != nil {
		t.Fatalf("start c: %v", err)
	}

	if got := mc.Stats().SessionReplacements(); got != 1 {
		t.Fatalf("replacement counter = %d, want 1", got)
	}
	s := mc.FindSession("s1")
	if s == nil || s.IsPrimarySession() {
		t.Fatal("the transferred copy wins the collision and is backup")
	}
}
