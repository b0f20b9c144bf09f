package sessions

import (
	"bytes"
	"encoding/gob"
	"time"
)

// Codec converts arbitrary attribute values to and from bytes. The
// replication layer treats it as a black box: any implementation works as
// long as Decode(Encode(v)) yields an equivalent value on every node.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// gobValue wraps the payload so gob can carry interface-typed values.
type gobValue struct {
	V any
}

// GobCodec is the default Codec, backed by encoding/gob. Concrete types
// stored as session attributes must be registered with RegisterType on every
// node; common scalar and container types are pre-registered.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobValue{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (any, error) {
	var val gobValue
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&val); err != nil {
		return nil, err
	}
	return val.V, nil
}

// RegisterType makes a concrete attribute value type known to GobCodec.
func RegisterType(v any) {
	gob.Register(v)
}

func init() {
	gob.Register(map[string]any{})
	gob.Register(map[string]string{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(time.Time{})
	gob.Register(&Principal{})
}
