package cluster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EventType discriminates session replication messages.
type EventType uint8

const (
	// EventGetAllSessions asks a peer to stream its full session state.
	EventGetAllSessions EventType = iota
	// EventAllSessionData carries one block of fully serialized sessions.
	EventAllSessionData
	// EventTransferComplete marks the end of a full-state transfer.
	EventTransferComplete
	// EventNoContextManager is the peer's answer when it has no matching
	// session manager for a state transfer request.
	EventNoContextManager
	// EventSessionCreated announces a freshly created session.
	EventSessionCreated
	// EventSessionExpired announces an expired or invalidated session.
	EventSessionExpired
	// EventSessionAccessed announces an access that produced no delta.
	EventSessionAccessed
	// EventSessionDelta carries a serialized mutation log for one session.
	EventSessionDelta
	// EventChangeSessionID rebinds a session under a new id.
	EventChangeSessionID

	// EventTypeCount sizes per-event counter arrays.
	EventTypeCount = int(EventChangeSessionID) + 1
)

var eventNames = [...]string{
	EventGetAllSessions:   "GET_ALL_SESSIONS",
	EventAllSessionData:   "ALL_SESSION_DATA",
	EventTransferComplete: "ALL_SESSION_TRANSFERCOMPLETE",
	EventNoContextManager: "ALL_SESSION_NOCONTEXTMANAGER",
	EventSessionCreated:   "SESSION_CREATED",
	EventSessionExpired:   "SESSION_EXPIRED",
	EventSessionAccessed:  "SESSION_ACCESSED",
	EventSessionDelta:     "SESSION_DELTA",
	EventChangeSessionID:  "CHANGE_SESSION_ID",
}

func (e EventType) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("UNKNOWN_EVENT(%d)", uint8(e))
}

// Message is the immutable value object traversing the cluster. Timestamp is
// sender-assigned epoch milliseconds; UniqueID disambiguates messages that
// share a session id and timestamp.
type Message struct {
	Event     EventType `json:"event"`
	Origin    string    `json:"origin"`
	SessionID string    `json:"sessionId"`
	Payload   []byte    `json:"payload,omitempty"`
	UniqueID  string    `json:"uniqueId"`
	Timestamp int64     `json:"timestamp"`
}

// EncodeMessage renders msg in a compact binary envelope for transports that
// move raw bytes. The encoding is not part of the replication contract;
// transports are free to use their own framing.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Event))
	if err := binary.Write(&buf, binary.BigEndian, msg.Timestamp); err != nil {
		return nil, err
	}
	for _, s := range []string{msg.Origin, msg.SessionID, msg.UniqueID} {
		if err := writeBytes(&buf, []byte(s)); err != nil {
			return nil, err
		}
	}
	if err := writeBytes(&buf, msg.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var msg Message
	ev, err := r.ReadByte()
	if err != nil {
		return msg, fmt.Errorf("decode event type: %w", err)
	}
	if int(ev) >= EventTypeCount {
		return msg, fmt.Errorf("decode message: unknown event type %d", ev)
	}
	msg.Event = EventType(ev)
	if err := binary.Read(r, binary.BigEndian, &msg.Timestamp); err != nil {
		return msg, fmt.Errorf("decode timestamp: %w", err)
	}
	fields := []*string{&msg.Origin, &msg.SessionID, &msg.UniqueID}
	for _, f := range fields {
		b, err := readBytes(r)
		if err != nil {
			return msg, fmt.Errorf("decode message field: %w", err)
		}
		*f = string(b)
	}
	payload, err := readBytes(r)
	if err != nil {
		return msg, fmt.Errorf("decode payload: %w", err)
	}
	if len(payload) > 0 {
		msg.Payload = payload
	}
	return msg, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
