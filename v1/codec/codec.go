// Package codec encodes typed payloads for the queue packages. Priority queue
// items are identified by their encoded bytes, so a codec used there must be
// deterministic for equal values.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines methods for encoding and decoding values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec implements Codec using encoding/gob. Gob writes maps in iteration
// order, so it is not suitable for priority queue items containing maps.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// MsgpackCodec implements Codec using MessagePack. Output is canonical: every
// map, whatever its key type, is written with entries ordered by encoded key,
// so equal values always produce equal bytes.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) (data []byte, err error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Keys that decode to unhashable values, such as binary strings.
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("codec: msgpack canonical form: %v", r)
		}
	}()
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	tree, err := dec.DecodeInterface()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := writeCanonical(msgpack.NewEncoder(&b), tree); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeCanonical(enc *msgpack.Encoder, v any) error {
	switch t := v.(type) {
	case map[any]any:
		if t == nil {
			return enc.EncodeNil()
		}
		type entry struct {
			key []byte
			val any
		}
		entries := make([]entry, 0, len(t))
		for k, val := range t {
			var kb bytes.Buffer
			if err := writeCanonical(msgpack.NewEncoder(&kb), k); err != nil {
				return err
			}
			entries = append(entries, entry{key: kb.Bytes(), val: val})
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})
		if err := enc.EncodeMapLen(len(entries)); err != nil {
			return err
		}
		for _, e := range entries {
			if err := enc.Encode(msgpack.RawMessage(e.key)); err != nil {
				return err
			}
			if err := writeCanonical(enc, e.val); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if t == nil {
			return enc.EncodeNil()
		}
		if err := enc.EncodeArrayLen(len(t)); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeCanonical(enc, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return enc.Encode(v)
	}
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// ByteCodec passes raw byte slices and strings through unchanged.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, stdErrors.New("codec: ByteCodec value is not []byte or string")
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	switch ptr := v.(type) {
	case *[]byte:
		*ptr = append((*ptr)[:0], data...)
		return nil
	case *string:
		*ptr = string(data)
		return nil
	}
	return stdErrors.New("codec: ByteCodec target is not *[]byte or *string")
}
