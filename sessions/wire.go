package sessions

import (
	"encoding/binary"
	"fmt"
	"io"
)

// errWriter and errReader implement the field-ordered binary layouts used by
// the delta log and the full-session record. Errors stick: after the first
// failure every call is a no-op and the error surfaces once at the end.

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) writeByte(b byte) {
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write([]byte{b})
}

func (ew *errWriter) writeBool(v bool) {
	if v {
		ew.writeByte(1)
	} else {
		ew.writeByte(0)
	}
}

func (ew *errWriter) writeInt32(v int32) {
	if ew.err != nil {
		return
	}
	ew.err = binary.Write(ew.w, binary.BigEndian, v)
}

func (ew *errWriter) writeInt64(v int64) {
	if ew.err != nil {
		return
	}
	ew.err = binary.Write(ew.w, binary.BigEndian, v)
}

func (ew *errWriter) writeBytes(b []byte) {
	ew.writeInt32(int32(len(b)))
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write(b)
}

func (ew *errWriter) writeString(s string) {
	ew.writeBytes([]byte(s))
}

type errReader struct {
	r   io.Reader
	err error
}

func (er *errReader) readByte() byte {
	if er.err != nil {
		return 0
	}
	var b [1]byte
	_, er.err = io.ReadFull(er.r, b[:])
	return b[0]
}

func (er *errReader) readBool() bool {
	return er.readByte() != 0
}

func (er *errReader) readInt32() int32 {
	if er.err != nil {
		return 0
	}
	var v int32
	er.err = binary.Read(er.r, binary.BigEndian, &v)
	return v
}

func (er *errReader) readInt64() int64 {
	if er.err != nil {
		return 0
	}
	var v int64
	er.err = binary.Read(er.r, binary.BigEndian, &v)
	return v
}

func (er *errReader) readBytes() []byte {
	n := er.readInt32()
	if er.err != nil {
		return nil
	}
	if n < 0 {
		er.err = fmt.Errorf("negative field length %d", n)
		return nil
	}
	b := make([]byte, n)
	_, er.err = io.ReadFull(er.r, b)
	if er.err != nil {
		return nil
	}
	return b
}

func (er *errReader) readString() string {
	return string(er.readBytes())
}
