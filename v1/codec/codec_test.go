package codec

import (
	"bytes"
	"testing"
)

type job struct {
	Name string
	Tags map[string]string
}

func TestCodecs(t *testing.T) {
	in := job{Name: "resize", Tags: map[string]string{"b": "2", "a": "1"}}
	for name, c := range map[string]Codec{
		"json":    JSONCodec{},
		"gob":     GobCodec{},
		"msgpack": MsgpackCodec{},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := c.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out job
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Name != in.Name || out.Tags["a"] != "1" || out.Tags["b"] != "2" {
				t.Fatalf("unexpected value %+v", out)
			}
		})
	}
}

type order struct {
	ID     string
	Lines  map[int]string
	Labels map[string]any
}

func TestMsgpackDeterministic(t *testing.T) {
	c := MsgpackCodec{}
	for name, v := range map[string]any{
		"string keys": map[string]int{"z": 1, "a": 2, "m": 3, "q": 4, "b": 5},
		"int keys":    map[int]string{9: "i", 1: "a", 5: "e", 3: "c", 7: "g"},
		"nested": order{
			ID:     "o-1",
			Lines:  map[int]string{3: "c", 1: "a", 2: "b"},
			Labels: map[string]any{"y": []any{1, "x"}, "a": map[string]int{"k": 1, "j": 2}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			first, err := c.Marshal(v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			for i := 0; i < 50; i++ {
				again, err := c.Marshal(v)
				if err != nil {
					t.Fatalf("marshal: %v", err)
				}
				if !bytes.Equal(first, again) {
					t.Fatal("msgpack encoding is not stable")
				}
			}
		})
	}
}

func TestMsgpackCanonicalRoundTrip(t *testing.T) {
	c := MsgpackCodec{}
	in := order{ID: "o-2", Lines: map[int]string{2: "b", 1: "a"}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out order
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != "o-2" || len(out.Lines) != 2 || out.Lines[1] != "a" || out.Lines[2] != "b" || out.Labels != nil {
		t.Fatalf("unexpected value %+v", out)
	}

	var n int
	data, _ = c.Marshal(-300)
	if err := c.Unmarshal(data, &n); err != nil || n != -300 {
		t.Fatalf("scalar round trip: %d %v", n, err)
	}
}

func TestByteCodec(t *testing.T) {
	c := ByteCodec{}
	data, err := c.Marshal("hello")
	if err != nil || string(data) != "hello" {
		t.Fatalf("marshal string: %q %v", data, err)
	}
	var s string
	if err := c.Unmarshal([]byte("world"), &s); err != nil || s != "world" {
		t.Fatalf("unmarshal string: %q %v", s, err)
	}
	var b []byte
	if err := c.Unmarshal([]byte("raw"), &b); err != nil || string(b) != "raw" {
		t.Fatalf("unmarshal bytes: %q %v", b, err)
	}
	if _, err := c.Marshal(42); err == nil {
		t.Fatal("expected error for non byte value")
	}
	var n int
	if err := c.Unmarshal([]byte("x"), &n); err == nil {
		t.Fatal("expected error for non byte target")
	}
}
