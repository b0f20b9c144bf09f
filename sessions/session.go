package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// NotSerializable is the sentinel stored in place of an attribute value the
// codec could not encode during full-session serialization. It keeps the
// stream layout intact: the attribute count is declared up front, so a failed
// value must be replaced, not dropped. Readers discard sentinel attributes.
const NotSerializable = "__NOT_SERIALIZABLE__"

// ErrSessionInvalid is returned by mutators on an invalidated session.
var ErrSessionInvalid = errors.New("session already invalidated")

// Session is the per-node replicated session entity. All delta-affecting
// operations and full (de)serialization run under one exclusive per-session
// lock so a request thread and an inbound-message handler never interleave on
// the same session.
type Session struct {
	mu sync.Mutex

	manager *Manager

	id                  string
	attributes          map[string]any
	creationTime        time.Time
	lastAccessedTime    time.Time
	thisAccessedTime    time.Time
	maxInactiveInterval int // seconds; -1 = never expire
	isNew               bool
	isValid             bool
	expiring            bool
	accessCount         int
	version             int64
	principal           *Principal
	authType            string

	primary        bool
	lastReplicated time.Time

	delta *DeltaRequest
}

func newSession(m *Manager, id string) *Session {
	s := &Session{
		manager:             m,
		id:                  id,
		attributes:          make(map[string]any),
		maxInactiveInterval: -1,
		delta:               NewDeltaRequest(id),
	}
	now := s.now()
	s.creationTime = now
	s.lastAccessedTime = now
	s.thisAccessedTime = now
	s.lastReplicated = now
	return s
}

func (s *Session) now() time.Time {
	if s.manager != nil {
		return s.manager.clk.Now()
	}
	return time.Now()
}

func (s *Session) codec() Codec {
	if s.manager != nil {
		return s.manager.codec
	}
	return GobCodec{}
}

// Lock acquires the session's exclusive lock. Callers composing several
// operations atomically (check-then-act on the delta log) hold it across the
// whole sequence; single public operations lock internally.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's exclusive lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// setID rebinds the session and replaces the delta log under the new id.
// Table rebinding is the manager's job.
func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.delta = NewDeltaRequest(id)
}

// IsPrimarySession reports whether this copy is serving requests.
func (s *Session) IsPrimarySession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// SetPrimarySession flips the copy's role.
func (s *Session) SetPrimarySession(primary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = primary
}

// Version returns the session's replication version.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// CreationTime returns when the session was created.
func (s *Session) CreationTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creationTime
}

// LastAccessedTime returns the start of the previous access.
func (s *Session) LastAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessedTime
}

// MaxInactiveInterval returns the idle timeout in seconds (-1 = never).
func (s *Session) MaxInactiveInterval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactiveInterval
}

// IsNew reports whether the session has not yet completed a request.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// Principal returns the authenticated principal, if any.
func (s *Session) Principal() *Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// AuthType returns the authentication scheme, if any.
func (s *Session) AuthType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authType
}

// Attribute returns the named attribute value or nil.
func (s *Session) Attribute(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attributes[name]
}

// AttributeNames returns the current attribute names.
func (s *Session) AttributeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	return names
}

// Access marks the start of a request against this copy.
func (s *Session) Access() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessedTime = s.thisAccessedTime
	s.thisAccessedTime = s.now()
	s.accessCount++
}

// EndAccess marks the end of a request.
func (s *Session) EndAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isNew = false
	if s.accessCount > 0 {
		s.accessCount--
	}
}

// IsDirty reports whether the delta log has pending operations.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta.Size() > 0
}

// Diff serializes the pending delta log without resetting it; the reset
// happens once the send actually completes, driven by the manager.
func (s *Session) Diff() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta.Serialize(s.codec())
}

// ApplyDiff deserializes a peer's delta log and replays it against this
// session. Listener notification follows the manager's
// NotifyListenersOnReplication setting.
func (s *Session) ApplyDiff(data []byte) error {
	notify := false
	if s.manager != nil {
		notify = s.manager.cfg.NotifyListenersOnReplication
	}
	s.mu.Lock()
	d, err := DeserializeDeltaRequest(data, s.codec())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	expire := d.Execute(s, notify)
	s.mu.Unlock()
	if expire {
		s.Expire(notify, true)
	}
	return nil
}

func (s *Session) resetDeltaRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta.Reset()
}

// SetAttribute stores an attribute and records the write in the delta log.
// A nil value removes the attribute instead.
func (s *Session) SetAttribute(name string, value any) error {
	if value == nil {
		return s.RemoveAttribute(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isValid {
		return fmt.Errorf("set attribute %q: %w", name, ErrSessionInvalid)
	}
	s.delta.SetAttribute(name, value)
	s.applyAttribute(name, value, true)
	return nil
}

// applyAttribute mutates without recording; lock held by caller. Used when
// replaying a peer's delta so the change is not re-recorded into a new
// outbound delta.
func (s *Session) applyAttribute(name string, value any, notify bool) {
	s.attributes[name] = value
	if notify && s.manager != nil && s.manager.cfg.AttributeListener != nil {
		s.manager.cfg.AttributeListener.AttributeSet(s, name, value)
	}
}

// RemoveAttribute removes an attribute and records the removal.
func (s *Session) RemoveAttribute(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isValid {
		return fmt.Errorf("remove attribute %q: %w", name, ErrSessionInvalid)
	}
	s.delta.RemoveAttribute(name)
	s.removeAttributeLocked(name, true)
	return nil
}

// removeAttributeLocked mutates without recording; lock held by caller.
// Removing an absent attribute is a no-op, never an error.
func (s *Session) removeAttributeLocked(name string, notify bool) {
	if _, ok := s.attributes[name]; !ok {
		return
	}
	delete(s.attributes, name)
	if notify && s.manager != nil && s.manager.cfg.AttributeListener != nil {
		s.manager.cfg.AttributeListener.AttributeRemoved(s, name)
	}
}

// SetMaxInactiveInterval sets the idle timeout (seconds, -1 = never) and
// records the change. A zero interval expires the session immediately; the
// expiry propagates through the normal expiry path.
func (s *Session) SetMaxInactiveInterval(interval int) {
	s.mu.Lock()
	s.delta.SetMaxInactiveInterval(interval)
	expire := s.applyMaxInactiveInterval(interval)
	s.mu.Unlock()
	if expire {
		s.Expire(true, true)
	}
}

// applyMaxInactiveInterval mutates without recording; lock held by caller.
// Returns true when the caller must expire the session after unlocking.
func (s *Session) applyMaxInactiveInterval(interval int) bool {
	s.maxInactiveInterval = interval
	return interval == 0 && s.isValid
}

// SetNew sets the "new" flag and records the change.
func (s *Session) SetNew(isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta.SetNew(isNew)
	s.applyNew(isNew)
}

func (s *Session) applyNew(isNew bool) {
	s.isNew = isNew
}

// SetPrincipal sets the authenticated principal and records the change; nil
// clears it.
func (s *Session) SetPrincipal(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta.SetPrincipal(p)
	s.applyPrincipal(p)
}

func (s *Session) applyPrincipal(p *Principal) {
	s.principal = p
}

// SetAuthType sets the authentication scheme and records the change; the
// empty string clears it.
func (s *Session) SetAuthType(authType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta.SetAuthType(authType)
	s.applyAuthType(authType)
}

func (s *Session) applyAuthType(authType string) {
	s.authType = authType
}

// IsValid checks expiry and reports whether the session is still usable.
// A primary copy expires at the configured idle threshold. A backup copy
// waits twice as long before self-expiring, guarding against a crashed
// primary whose expiry message never arrived; that defensive expiry does not
// notify the cluster.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	if s.expiring {
		s.mu.Unlock()
		return true
	}
	if !s.isValid {
		s.mu.Unlock()
		return false
	}
	if s.accessCount > 0 {
		s.mu.Unlock()
		return true
	}
	interval := s.maxInactiveInterval
	idle := s.now().Sub(s.thisAccessedTime)
	primary := s.primary
	s.mu.Unlock()

	if interval >= 1 {
		threshold := time.Duration(interval) * time.Second
		if primary {
			if idle >= threshold {
				s.Expire(true, true)
			}
		} else if idle >= 2*threshold {
			s.Expire(true, false)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isValid
}

// Invalidate expires the session explicitly, notifying listeners and the
// cluster.
func (s *Session) Invalidate() error {
	s.mu.Lock()
	if !s.isValid {
		s.mu.Unlock()
		return ErrSessionInvalid
	}
	s.mu.Unlock()
	s.Expire(true, true)
	return nil
}

// Expire tears the session down. Re-entrant calls while already expiring are
// no-ops. When notifyCluster is set, any pending delta is flushed through the
// manager's request-completion path first, and a dedicated expired event
// follows the local teardown so peers drop their copies.
func (s *Session) Expire(notify, notifyCluster bool) {
	s.mu.Lock()
	if s.expiring || !s.isValid {
		s.mu.Unlock()
		return
	}
	s.expiring = true
	id := s.id
	s.mu.Unlock()

	if notifyCluster && s.manager != nil {
		if msg := s.manager.buildRequestCompleted(id, true); msg != nil {
			s.manager.send(context.Background(), *msg)
		}
	}

	s.mu.Lock()
	s.accessCount = 0
	s.isValid = false
	var removed []string
	for name := range s.attributes {
		removed = append(removed, name)
	}
	for _, name := range removed {
		s.removeAttributeLocked(name, notify)
	}
	s.delta.Reset()
	s.expiring = false
	s.mu.Unlock()

	if s.manager != nil {
		s.manager.removeSession(s)
		if notify && s.manager.cfg.SessionListener != nil {
			s.manager.cfg.SessionListener.SessionExpired(s)
		}
		if notifyCluster {
			s.manager.sendSessionExpired(id)
		}
	}
}

// writeTo emits the full binary session record: ordered scalars, optional
// principal, id, then the attribute pairs. Lock held by caller. An attribute
// value the codec rejects is written as the NotSerializable sentinel so the
// declared attribute count stays honest.
func (s *Session) writeTo(ew *errWriter, codec Codec) {
	ew.writeInt64(s.creationTime.UnixMilli())
	ew.writeInt64(s.lastAccessedTime.UnixMilli())
	ew.writeInt32(int32(s.maxInactiveInterval))
	ew.writeBool(s.isNew)
	ew.writeBool(s.isValid)
	ew.writeInt64(s.thisAccessedTime.UnixMilli())
	ew.writeInt64(s.version)
	ew.writeBool(s.principal != nil)
	if s.principal != nil {
		s.principal.writeTo(ew, codec)
	}
	ew.writeString(s.id)
	ew.writeInt32(int32(len(s.attributes)))
	for name, value := range s.attributes {
		ew.writeString(name)
		if ew.err != nil {
			return
		}
		data, err := codec.Encode(value)
		if err != nil {
			if s.manager != nil {
				s.manager.log.Error("attribute not serializable, replaced by sentinel",
					"session", s.id, "attribute", name, "error", err)
			}
			data, err = codec.Encode(NotSerializable)
			if err != nil {
				ew.err = fmt.Errorf("encode sentinel for attribute %q: %w", name, err)
				return
			}
		}
		ew.writeBytes(data)
	}
}

// readFrom decodes a record produced by writeTo. Lock held by caller.
// Sentinel attributes are discarded.
func (s *Session) readFrom(er *errReader, codec Codec) error {
	s.creationTime = time.UnixMilli(er.readInt64())
	s.lastAccessedTime = time.UnixMilli(er.readInt64())
	s.maxInactiveInterval = int(er.readInt32())
	s.isNew = er.readBool()
	s.isValid = er.readBool()
	s.thisAccessedTime = time.UnixMilli(er.readInt64())
	s.version = er.readInt64()
	if er.readBool() {
		s.principal = readPrincipal(er, codec)
	} else {
		s.principal = nil
	}
	s.id = er.readString()
	n := er.readInt32()
	if er.err != nil {
		return er.err
	}
	s.attributes = make(map[string]any, n)
	for i := int32(0); i < n; i++ {
		name := er.readString()
		raw := er.readBytes()
		if er.err != nil {
			return er.err
		}
		value, err := codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode attribute %q: %w", name, err)
		}
		if sentinel, ok := value.(string); ok && sentinel == NotSerializable {
			continue
		}
		s.attributes[name] = value
	}
	s.delta = NewDeltaRequest(s.id)
	return er.err
}

// Serialize renders the full session record used for state transfer.
func (s *Session) Serialize(codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	ew := &errWriter{w: &buf}
	s.mu.Lock()
	s.writeTo(ew, codec)
	s.mu.Unlock()
	if ew.err != nil {
		return nil, fmt.Errorf("serialize session %s: %w", s.ID(), ew.err)
	}
	return buf.Bytes(), nil
}
