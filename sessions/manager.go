package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/cluster"
	"github.com/sessionmesh/sessionmesh/internal/clock"
	"github.com/sessionmesh/sessionmesh/internal/logctx"
)

// Errors surfaced to request-serving code.
var (
	// ErrTooManyActiveSessions is returned by CreateSession once the
	// MaxActiveSessions cap is reached.
	ErrTooManyActiveSessions = errors.New("too many active sessions")

	// ErrSessionExists is returned by CreateSession for a duplicate id.
	ErrSessionExists = errors.New("session id already in use")
)

const bootstrapPollInterval = 100 * time.Millisecond

// Manager owns the local session table and drives the replication protocol:
// full-state transfer at startup, the per-request replication decision, and
// dispatch of inbound cluster messages. One Manager exists per replicated
// context. It is safe for concurrent use by request goroutines and transport
// listener goroutines.
type Manager struct {
	cfg       Config
	transport cluster.Transport
	log       *slog.Logger
	clk       clock.Clock
	codec     Codec

	mu       sync.RWMutex
	sessions map[string]*Session

	stats Stats

	// Bootstrap state. queueMu guards the buffered message queue filled
	// while the full-state transfer is in flight; it is independent of any
	// session lock because queued messages may reference sessions that do
	// not exist locally yet.
	queueMu   sync.Mutex
	queue     []cluster.Message
	buffering bool

	transferMu       sync.Mutex
	transferComplete bool
	noPeerContext    bool
}

// NewManager constructs a Manager over the given transport. A nil transport
// yields an unclustered manager: sessions work locally and nothing
// replicates.
func NewManager(cfg Config, transport cluster.Transport) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		transport: transport,
		log:       cfg.Logger,
		clk:       cfg.Clock,
		codec:     cfg.Codec,
		sessions:  make(map[string]*Session),
	}
}

// Stats exposes the manager's counters.
func (m *Manager) Stats() *Stats { return &m.stats }

// ResetStatistics zeroes all counters.
func (m *Manager) ResetStatistics() { m.stats.Reset() }

func (m *Manager) nodeName() string {
	if m.transport == nil {
		return "local"
	}
	return m.transport.LocalMember().Name
}

// Start registers with the cluster and performs the full-state bootstrap. If
// no transport is configured the manager runs unclustered; that is logged as
// an error but is not fatal.
func (m *Manager) Start(ctx context.Context) error {
	if m.transport == nil {
		m.log.Error("no cluster transport configured, sessions will not replicate")
		return nil
	}
	m.transport.SetHandler(m)
	m.getAllClusterSessions(ctx)
	return nil
}

// Stop detaches from the cluster. With ExpireSessionsOnShutdown set, every
// local session is expired first, with listener and cluster notification.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cfg.ExpireSessionsOnShutdown {
		for _, s := range m.Sessions() {
			s.Expire(true, true)
		}
	}
	if m.transport != nil {
		m.transport.SetHandler(nil)
	}
	return nil
}

// CreateSession creates a local primary session and announces it to the
// cluster. An empty id is replaced with a generated one.
func (m *Manager) CreateSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if m.cfg.MaxActiveSessions >= 0 && len(m.sessions) >= m.cfg.MaxActiveSessions {
		m.mu.Unlock()
		m.stats.rejectedSessions.Add(1)
		m.incMetric("sessions_rejected", nil)
		return nil, fmt.Errorf("create session: %w", ErrTooManyActiveSessions)
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, ErrSessionExists)
	}
	s := newSession(m, id)
	s.isValid = true
	s.isNew = true
	s.primary = true
	s.maxInactiveInterval = m.cfg.MaxInactiveInterval
	m.sessions[id] = s
	m.mu.Unlock()

	if m.cfg.SessionListener != nil {
		m.cfg.SessionListener.SessionCreated(s)
	}
	m.incMetric("sessions_created", nil)

	if m.transport != nil {
		msg := m.newMessage(cluster.EventSessionCreated, id, nil)
		msg.Timestamp = s.CreationTime().UnixMilli()
		m.send(ctx, msg)
	}
	return s, nil
}

// FindSession returns the local copy of a session, or nil.
func (m *Manager) FindSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Sessions snapshots the local session table.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveSessions returns the local session count.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// addSessionIfAbsent inserts s unless its id is already bound; used by the
// replicated-creation path, which must not clobber a live local copy.
func (m *Manager) addSessionIfAbsent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.id]; ok {
		return false
	}
	m.sessions[s.id] = s
	return true
}

// addSession inserts s, replacing any existing copy. Returns true when a
// replacement happened.
func (m *Manager) addSession(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, replaced := m.sessions[s.id]
	m.sessions[s.id] = s
	return replaced
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.id
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
}

// ChangeSessionID rebinds s under newID and tells the cluster.
func (m *Manager) ChangeSessionID(ctx context.Context, s *Session, newID string) error {
	oldID := s.ID()
	if err := m.rebind(s, oldID, newID); err != nil {
		return err
	}
	if m.cfg.IDChangeListener != nil {
		m.cfg.IDChangeListener(oldID, newID)
	}
	if m.transport != nil {
		var buf bytes.Buffer
		ew := &errWriter{w: &buf}
		ew.writeString(newID)
		if ew.err != nil {
			return fmt.Errorf("encode session id change: %w", ew.err)
		}
		m.send(ctx, m.newMessage(cluster.EventChangeSessionID, oldID, buf.Bytes()))
	}
	return nil
}

func (m *Manager) rebind(s *Session, oldID, newID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[newID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("change session id %s -> %s: %w", oldID, newID, ErrSessionExists)
	}
	delete(m.sessions, oldID)
	m.sessions[newID] = s
	m.mu.Unlock()
	s.setID(newID)
	return nil
}

// ExpireSession force-expires the named session with listener and cluster
// notification. A missing id is ignored.
func (m *Manager) ExpireSession(id string) {
	if s := m.FindSession(id); s != nil {
		s.Expire(true, true)
	}
}

// ProcessExpires sweeps the local table, expiring overdue sessions via the
// role-aware validity check.
func (m *Manager) ProcessExpires() {
	for _, s := range m.Sessions() {
		s.IsValid()
	}
}

// RequestCompleted is the end-of-request hook: it inspects the session's
// delta, builds the right replication message, and dispatches it. A lookup
// miss is not an error; the session raced with invalidation elsewhere.
func (m *Manager) RequestCompleted(ctx context.Context, sessionID string) {
	msg := m.buildRequestCompleted(sessionID, false)
	if msg != nil {
		m.send(ctx, *msg)
	}
}

// buildRequestCompleted produces the replication message owed after a request
// against sessionID, or nil. With expires set the call is on behalf of an
// in-flight expiry: no primary promotion and no accessed signaling, only a
// final delta flush.
func (m *Manager) buildRequestCompleted(sessionID string, expires bool) *cluster.Message {
	s := m.FindSession(sessionID)
	if s == nil {
		return nil
	}

	s.Lock()
	defer s.Unlock()

	var msg *cluster.Message
	if s.delta.Size() > 0 {
		data, err := s.delta.Serialize(m.codec)
		if err != nil {
			m.log.Error("serialize session delta", "session", sessionID, "error", err)
		} else {
			s.version++
			s.delta.Reset()
			built := m.newMessage(cluster.EventSessionDelta, sessionID, data)
			msg = &built
		}
	}

	if msg == nil && !expires && !s.primary {
		built := m.newMessage(cluster.EventSessionAccessed, sessionID, nil)
		msg = &built
	}

	if msg == nil && !expires && s.maxInactiveInterval >= 1 {
		// Anti-false-expiry heartbeat: an idle-but-alive session must not
		// silently age out on its backups.
		sinceReplicated := m.clk.Now().Sub(s.lastReplicated)
		if sinceReplicated >= time.Duration(s.maxInactiveInterval)*time.Second {
			built := m.newMessage(cluster.EventSessionAccessed, sessionID, nil)
			msg = &built
		}
	}

	if !expires {
		s.primary = true
	}

	if msg != nil {
		now := m.clk.Now()
		s.lastReplicated = now
		msg.Timestamp = now.UnixMilli()
	}
	return msg
}

func (m *Manager) newMessage(event cluster.EventType, sessionID string, payload []byte) cluster.Message {
	return cluster.Message{
		Event:     event,
		Origin:    m.nodeName(),
		SessionID: sessionID,
		Payload:   payload,
		UniqueID:  uuid.NewString(),
		Timestamp: m.clk.Now().UnixMilli(),
	}
}

// send dispatches msg cluster-wide, or domain-scoped when DomainReplication
// is enabled. Send failures are logged; the transport owns delivery fate and
// the protocol tolerates loss.
func (m *Manager) send(ctx context.Context, msg cluster.Message) {
	if m.transport == nil {
		return
	}
	m.stats.markSent(msg.Event)
	m.incMetric("messages_sent", map[string]string{"event": msg.Event.String()})
	var err error
	if m.cfg.DomainReplication {
		err = m.transport.SendToDomain(ctx, msg)
	} else {
		err = m.transport.Send(ctx, msg)
	}
	if err != nil {
		m.log.Error("cluster send failed", "event", msg.Event.String(), "session", msg.SessionID, "error", err)
	}
}

func (m *Manager) sendTo(ctx context.Context, msg cluster.Message, target cluster.Member) {
	if m.transport == nil {
		return
	}
	m.stats.markSent(msg.Event)
	m.incMetric("messages_sent", map[string]string{"event": msg.Event.String()})
	if err := m.transport.SendTo(ctx, msg, target); err != nil {
		m.log.Error("cluster send failed", "event", msg.Event.String(), "target", target.Name, "error", err)
	}
}

func (m *Manager) sendSessionExpired(id string) {
	if m.transport == nil {
		return
	}
	m.send(context.Background(), m.newMessage(cluster.EventSessionExpired, id, nil))
}

func (m *Manager) incMetric(name string, tags map[string]string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncCounter(name, tags)
	}
}

// --- Bootstrap: full-state transfer ---

// getAllClusterSessions asks the session master (first member) for the full
// session state, buffering session events until the transfer settles, then
// drains the buffer through the staleness filter.
func (m *Manager) getAllClusterSessions(ctx context.Context) {
	members := m.transport.Members()
	if len(members) == 0 {
		m.log.Info("no other cluster members, skipping state transfer")
		return
	}
	master := members[0]
	beforeSend := m.clk.Now()

	m.transferMu.Lock()
	m.transferComplete = false
	m.noPeerContext = false
	m.transferMu.Unlock()

	m.queueMu.Lock()
	m.queue = nil
	m.buffering = true
	m.queueMu.Unlock()

	m.log.Info("requesting session state", "master", master.Name)
	m.sendTo(ctx, m.newMessage(cluster.EventGetAllSessions, "", nil), master)

	m.waitForStateTransfer(beforeSend, master)
	m.drainQueuedMessages(beforeSend)
}

// waitForStateTransfer blocks in 100ms polling ticks until the transfer
// completes, the master reports no matching context, or the configured
// timeout elapses (-1 = forever, 0 = skip).
func (m *Manager) waitForStateTransfer(beforeSend time.Time, master cluster.Member) {
	timeout := m.cfg.StateTransferTimeout
	if timeout == 0 {
		return
	}
	for {
		complete, noContext := m.transferState()
		if complete {
			m.log.Info("session state transfer complete",
				"master", master.Name,
				"elapsed", m.clk.Now().Sub(beforeSend))
			return
		}
		if noContext {
			m.log.Warn("session master has no matching context manager, proceeding without state",
				"master", master.Name)
			return
		}
		if timeout > 0 && m.clk.Now().Sub(beforeSend) >= time.Duration(timeout)*time.Second {
			m.stats.noStateTransferred.Add(1)
			m.log.Error("timeout waiting for session state transfer",
				"master", master.Name,
				"elapsed", m.clk.Now().Sub(beforeSend))
			return
		}
		m.clk.Sleep(bootstrapPollInterval)
	}
}

func (m *Manager) transferState() (complete, noContext bool) {
	m.transferMu.Lock()
	defer m.transferMu.Unlock()
	return m.transferComplete, m.noPeerContext
}

// drainQueuedMessages applies the buffered messages in arrival order. With
// StateTimestampDrop enabled, a buffered message that is not GET_ALL_SESSIONS
// and predates the transfer watermark is dropped as stale: the snapshot that
// just arrived already subsumes it. New arrivals block on queueMu until the
// drain finishes, preserving order.
func (m *Manager) drainQueuedMessages(watermark time.Time) {
	wm := watermark.UnixMilli()
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for _, msg := range m.queue {
		if m.cfg.StateTimestampDrop && msg.Event != cluster.EventGetAllSessions && msg.Timestamp < wm {
			m.log.Warn("dropping stale buffered message",
				"event", msg.Event.String(),
				"session", msg.SessionID,
				"origin", msg.Origin,
				"age", wm-msg.Timestamp)
			continue
		}
		m.dispatch(msg)
	}
	m.queue = nil
	m.buffering = false
}

// --- Inbound dispatch ---

// MessageReceived implements cluster.Handler. Session-scoped events are
// buffered while a state transfer is in flight; transfer control messages
// always dispatch immediately, otherwise the bootstrap wait could never
// unblock.
func (m *Manager) MessageReceived(msg cluster.Message) {
	if m.cfg.DomainReplication && !m.sameDomain(msg.Origin) {
		m.log.Debug("dropping message from foreign domain", "origin", msg.Origin, "event", msg.Event.String())
		return
	}

	switch msg.Event {
	case cluster.EventGetAllSessions,
		cluster.EventSessionCreated,
		cluster.EventSessionExpired,
		cluster.EventSessionAccessed,
		cluster.EventSessionDelta,
		cluster.EventChangeSessionID:
		m.queueMu.Lock()
		if m.buffering {
			m.queue = append(m.queue, msg)
			m.queueMu.Unlock()
			return
		}
		m.queueMu.Unlock()
	}

	m.dispatch(msg)
}

// dispatch routes one message to its handler. A failing message is logged and
// skipped; it never halts handling of subsequent traffic. The event tag is
// range-checked before it indexes the counter arrays: JSON transports decode
// the tag without validation, so a corrupt frame must be dropped here rather
// than panic the listener goroutine.
func (m *Manager) dispatch(msg cluster.Message) {
	if int(msg.Event) >= cluster.EventTypeCount {
		m.log.Error("dropping message with unknown event type",
			"event", uint8(msg.Event),
			"origin", msg.Origin,
			"session", msg.SessionID)
		return
	}
	m.stats.markReceived(msg.Event)
	m.incMetric("messages_received", map[string]string{"event": msg.Event.String()})

	ctx := logctx.WithMessageData(context.Background(), &logctx.MessageData{
		Event:    msg.Event.String(),
		Origin:   msg.Origin,
		UniqueID: msg.UniqueID,
	})

	var err error
	switch msg.Event {
	case cluster.EventGetAllSessions:
		err = m.handleGetAllSessions(ctx, msg)
	case cluster.EventAllSessionData:
		err = m.handleAllSessionData(ctx, msg)
	case cluster.EventTransferComplete:
		m.transferMu.Lock()
		m.transferComplete = true
		m.transferMu.Unlock()
	case cluster.EventNoContextManager:
		m.transferMu.Lock()
		m.noPeerContext = true
		m.transferMu.Unlock()
	case cluster.EventSessionCreated:
		m.handleSessionCreated(msg)
	case cluster.EventSessionExpired:
		m.handleSessionExpired(msg)
	case cluster.EventSessionAccessed:
		m.handleSessionAccessed(msg)
	case cluster.EventSessionDelta:
		err = m.handleSessionDelta(msg)
	case cluster.EventChangeSessionID:
		err = m.handleChangeSessionID(msg)
	default:
		err = fmt.Errorf("unknown event type %d", msg.Event)
	}
	if err != nil {
		m.log.ErrorContext(ctx, "message handling failed",
			"event", msg.Event.String(),
			"origin", msg.Origin,
			"session", msg.SessionID,
			"error", err)
	}
}

func (m *Manager) sameDomain(origin string) bool {
	local := m.transport.LocalMember()
	for _, member := range m.transport.Members() {
		if member.Name == origin {
			return member.Domain == local.Domain
		}
	}
	// Unknown origin: let it through, membership views lag sends.
	return true
}

func (m *Manager) findMember(name string) (cluster.Member, bool) {
	for _, member := range m.transport.Members() {
		if member.Name == name {
			return member, true
		}
	}
	return cluster.Member{}, false
}

// handleGetAllSessions serves a peer's bootstrap: the full snapshot in one
// message or in paced chunks, then a transfer-complete stamped with the
// snapshot time so the requester's staleness filter lines up.
func (m *Manager) handleGetAllSessions(ctx context.Context, msg cluster.Message) error {
	sender, ok := m.findMember(msg.Origin)
	if !ok {
		return fmt.Errorf("state transfer requester %q is not a known member", msg.Origin)
	}
	snapshotTime := m.clk.Now()
	snapshot := m.Sessions()

	if m.cfg.SendAllSessions {
		if err := m.sendSessionBlock(ctx, sender, snapshot); err != nil {
			return err
		}
	} else {
		size := m.cfg.SendAllSessionsSize
		for i := 0; i < len(snapshot); i += size {
			end := i + size
			if end > len(snapshot) {
				end = len(snapshot)
			}
			if err := m.sendSessionBlock(ctx, sender, snapshot[i:end]); err != nil {
				return err
			}
			if m.cfg.SendAllSessionsWaitTime > 0 && end < len(snapshot) {
				m.clk.Sleep(m.cfg.SendAllSessionsWaitTime)
			}
		}
	}

	complete := m.newMessage(cluster.EventTransferComplete, "", nil)
	complete.Timestamp = snapshotTime.UnixMilli()
	m.sendTo(ctx, complete, sender)
	m.log.Info("served session state transfer", "requester", sender.Name, "sessions", len(snapshot))
	return nil
}

func (m *Manager) sendSessionBlock(ctx context.Context, target cluster.Member, block []*Session) error {
	data, err := m.serializeSessions(block)
	if err != nil {
		return fmt.Errorf("serialize session block: %w", err)
	}
	m.sendTo(ctx, m.newMessage(cluster.EventAllSessionData, "", data), target)
	return nil
}

// handleAllSessionData applies one block of fully serialized sessions as
// backup copies. An id collision counts as a replacement, not an error; the
// newer copy wins.
func (m *Manager) handleAllSessionData(ctx context.Context, msg cluster.Message) error {
	incoming, err := m.deserializeSessions(msg.Payload)
	if err != nil {
		return fmt.Errorf("deserialize session block from %s: %w", msg.Origin, err)
	}
	for _, s := range incoming {
		if m.addSession(s) {
			m.stats.sessionReplacements.Add(1)
			m.log.Warn("replacing existing session from state transfer",
				"session", s.ID(), "origin", msg.Origin)
		}
	}
	m.log.Info("applied session state block", "origin", msg.Origin, "sessions", len(incoming))
	return nil
}

// handleSessionCreated builds a backup copy for a session created on a peer.
// The creation time comes from the message; the idle timeout is this
// manager's default, never one encoded by the sender.
func (m *Manager) handleSessionCreated(msg cluster.Message) {
	s := newSession(m, msg.SessionID)
	s.isValid = true
	s.primary = false
	s.creationTime = time.UnixMilli(msg.Timestamp)
	s.lastAccessedTime = s.creationTime
	s.thisAccessedTime = s.creationTime
	s.maxInactiveInterval = m.cfg.MaxInactiveInterval
	s.delta.Reset()
	if !m.addSessionIfAbsent(s) {
		m.log.Debug("session already present, ignoring replicated creation", "session", msg.SessionID)
		return
	}
	if m.cfg.NotifySessionListenersOnReplication && m.cfg.SessionListener != nil {
		m.cfg.SessionListener.SessionCreated(s)
	}
}

func (m *Manager) handleSessionExpired(msg cluster.Message) {
	s := m.FindSession(msg.SessionID)
	if s == nil {
		return
	}
	// No cluster notification: that would echo the expiry back.
	s.Expire(m.cfg.NotifySessionListenersOnReplication, false)
}

func (m *Manager) handleSessionAccessed(msg cluster.Message) {
	s := m.FindSession(msg.SessionID)
	if s == nil {
		return
	}
	s.Access()
	s.SetPrimarySession(false)
	s.EndAccess()
}

func (m *Manager) handleSessionDelta(msg cluster.Message) error {
	s := m.FindSession(msg.SessionID)
	if s == nil {
		return nil
	}
	if err := s.ApplyDiff(msg.Payload); err != nil {
		return fmt.Errorf("apply delta to session %s: %w", msg.SessionID, err)
	}
	s.SetPrimarySession(false)
	return nil
}

func (m *Manager) handleChangeSessionID(msg cluster.Message) error {
	er := &errReader{r: bytes.NewReader(msg.Payload)}
	newID := er.readString()
	if er.err != nil {
		return fmt.Errorf("decode session id change: %w", er.err)
	}
	s := m.FindSession(msg.SessionID)
	if s == nil {
		return nil
	}
	if err := m.rebind(s, msg.SessionID, newID); err != nil {
		return err
	}
	s.SetPrimarySession(false)
	if m.cfg.NotifyContainerListenersOnReplication && m.cfg.IDChangeListener != nil {
		m.cfg.IDChangeListener(msg.SessionID, newID)
	}
	return nil
}

// --- Bulk session codec ---

func (m *Manager) serializeSessions(block []*Session) ([]byte, error) {
	var buf bytes.Buffer
	ew := &errWriter{w: &buf}
	ew.writeInt32(int32(len(block)))
	for _, s := range block {
		s.mu.Lock()
		s.writeTo(ew, m.codec)
		s.mu.Unlock()
		if ew.err != nil {
			return nil, fmt.Errorf("serialize session %s: %w", s.ID(), ew.err)
		}
	}
	return buf.Bytes(), nil
}

func (m *Manager) deserializeSessions(data []byte) ([]*Session, error) {
	er := &errReader{r: bytes.NewReader(data)}
	n := er.readInt32()
	if er.err != nil {
		return nil, er.err
	}
	out := make([]*Session, 0, n)
	for i := int32(0); i < n; i++ {
		s := newSession(m, "")
		if err := s.readFrom(er, m.codec); err != nil {
			return nil, err
		}
		s.isValid = true
		s.primary = false
		s.accessCount = 0
		s.delta.Reset()
		out = append(out, s)
	}
	return out, nil
}
