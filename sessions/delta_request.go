package sessions

import (
	"bytes"
	"fmt"
)

// deltaType tags one recorded mutation.
type deltaType uint8

const (
	deltaSetAttribute deltaType = iota
	deltaRemoveAttribute
	deltaSetMaxInactive
	deltaSetNew
	deltaSetPrincipal
	deltaSetAuthType
)

// deltaEntry is one recorded operation. value holds the operand for the
// entry's kind: attribute value, int interval, bool flag, *Principal, or the
// auth type string.
type deltaEntry struct {
	kind  deltaType
	name  string
	value any
}

// DeltaRequest is an ordered, replayable log of the mutations performed
// against one session during one request. It is owned by exactly one Session
// and assumes external synchronization: every call must happen under the
// owning session's lock.
type DeltaRequest struct {
	sessionID string
	entries   []deltaEntry
}

// NewDeltaRequest constructs an empty log bound to sessionID.
func NewDeltaRequest(sessionID string) *DeltaRequest {
	return &DeltaRequest{sessionID: sessionID}
}

// SessionID returns the id of the owning session.
func (d *DeltaRequest) SessionID() string { return d.sessionID }

func (d *DeltaRequest) setSessionID(id string) { d.sessionID = id }

// Size returns the number of recorded operations. Zero means there is
// nothing to replicate.
func (d *DeltaRequest) Size() int { return len(d.entries) }

// Reset clears the operation log, retaining the session id.
func (d *DeltaRequest) Reset() { d.entries = d.entries[:0] }

// SetAttribute records an attribute write. A nil value is recorded as a
// removal, never as a real set.
func (d *DeltaRequest) SetAttribute(name string, value any) {
	if value == nil {
		d.RemoveAttribute(name)
		return
	}
	d.entries = append(d.entries, deltaEntry{kind: deltaSetAttribute, name: name, value: value})
}

// RemoveAttribute records an attribute removal.
func (d *DeltaRequest) RemoveAttribute(name string) {
	d.entries = append(d.entries, deltaEntry{kind: deltaRemoveAttribute, name: name})
}

// SetMaxInactiveInterval records a timeout change (seconds, -1 = never).
func (d *DeltaRequest) SetMaxInactiveInterval(interval int) {
	d.entries = append(d.entries, deltaEntry{kind: deltaSetMaxInactive, value: interval})
}

// SetNew records a change of the "new" flag.
func (d *DeltaRequest) SetNew(isNew bool) {
	d.entries = append(d.entries, deltaEntry{kind: deltaSetNew, value: isNew})
}

// SetPrincipal records a principal change; nil clears the principal.
func (d *DeltaRequest) SetPrincipal(p *Principal) {
	d.entries = append(d.entries, deltaEntry{kind: deltaSetPrincipal, value: p})
}

// SetAuthType records an auth type change; the empty string clears it.
func (d *DeltaRequest) SetAuthType(authType string) {
	d.entries = append(d.entries, deltaEntry{kind: deltaSetAuthType, value: authType})
}

// Execute replays every recorded operation against target in original order,
// then resets the log. Replay is tolerant of divergent target state: removing
// an absent attribute is a no-op. notifyListeners controls whether attribute
// listener callbacks fire. The caller must hold target's lock; the returned
// flag asks the caller to expire target after releasing it (a replayed
// max-inactive-interval of zero forces expiry, and expiry cannot run under
// the lock).
func (d *DeltaRequest) Execute(target *Session, notifyListeners bool) (expire bool) {
	for _, e := range d.entries {
		switch e.kind {
		case deltaSetAttribute:
			target.applyAttribute(e.name, e.value, notifyListeners)
		case deltaRemoveAttribute:
			target.removeAttributeLocked(e.name, notifyListeners)
		case deltaSetMaxInactive:
			interval, _ := e.value.(int)
			if target.applyMaxInactiveInterval(interval) {
				expire = true
			}
		case deltaSetNew:
			flag, _ := e.value.(bool)
			target.applyNew(flag)
		case deltaSetPrincipal:
			p, _ := e.value.(*Principal)
			target.applyPrincipal(p)
		case deltaSetAuthType:
			at, _ := e.value.(string)
			target.applyAuthType(at)
		}
	}
	d.Reset()
	return expire
}

// Serialize encodes the session id plus the ordered operation list. The
// result round-trips through DeserializeDeltaRequest into an identical
// operation sequence; order matters because later operations on the same
// attribute must win on replay.
func (d *DeltaRequest) Serialize(codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	ew := &errWriter{w: &buf}
	ew.writeString(d.sessionID)
	ew.writeInt32(int32(len(d.entries)))
	for _, e := range d.entries {
		ew.writeByte(byte(e.kind))
		switch e.kind {
		case deltaSetAttribute:
			ew.writeString(e.name)
			if ew.err == nil {
				data, err := codec.Encode(e.value)
				if err != nil {
					return nil, fmt.Errorf("encode attribute %q: %w", e.name, err)
				}
				ew.writeBytes(data)
			}
		case deltaRemoveAttribute:
			ew.writeString(e.name)
		case deltaSetMaxInactive:
			interval, _ := e.value.(int)
			ew.writeInt32(int32(interval))
		case deltaSetNew:
			flag, _ := e.value.(bool)
			ew.writeBool(flag)
		case deltaSetPrincipal:
			p, _ := e.value.(*Principal)
			ew.writeBool(p != nil)
			if p != nil {
				p.writeTo(ew, codec)
			}
		case deltaSetAuthType:
			at, _ := e.value.(string)
			ew.writeString(at)
		}
	}
	if ew.err != nil {
		return nil, fmt.Errorf("serialize delta for session %s: %w", d.sessionID, ew.err)
	}
	return buf.Bytes(), nil
}

// DeserializeDeltaRequest decodes a delta log produced by Serialize.
func DeserializeDeltaRequest(data []byte, codec Codec) (*DeltaRequest, error) {
	er := &errReader{r: bytes.NewReader(data)}
	d := &DeltaRequest{}
	d.sessionID = er.readString()
	n := er.readInt32()
	if er.err != nil {
		return nil, fmt.Errorf("deserialize delta header: %w", er.err)
	}
	for i := int32(0); i < n && er.err == nil; i++ {
		kind := deltaType(er.readByte())
		e := deltaEntry{kind: kind}
		switch kind {
		case deltaSetAttribute:
			e.name = er.readString()
			raw := er.readBytes()
			if er.err == nil {
				v, err := codec.Decode(raw)
				if err != nil {
					return nil, fmt.Errorf("decode attribute %q: %w", e.name, err)
				}
				e.value = v
			}
		case deltaRemoveAttribute:
			e.name = er.readString()
		case deltaSetMaxInactive:
			e.value = int(er.readInt32())
		case deltaSetNew:
			e.value = er.readBool()
		case deltaSetPrincipal:
			if er.readBool() {
				e.value = readPrincipal(er, codec)
			} else {
				e.value = (*Principal)(nil)
			}
		case deltaSetAuthType:
			e.value = er.readString()
		default:
			return nil, fmt.Errorf("deserialize delta: unknown operation type %d", kind)
		}
		if er.err == nil {
			d.entries = append(d.entries, e)
		}
	}
	if er.err != nil {
		return nil, fmt.Errorf("deserialize delta for session %s: %w", d.sessionID, er.err)
	}
	return d, nil
}
