package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type task struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	Done  bool              `json:"done"`
	Tags  map[string]string `json:"tags,omitempty"`
	Due   time.Time         `json:"due"`
}

func sample() task {
	return task{
		ID:    "t1",
		Title: "Ship release",
		Tags:  map[string]string{"b": "2", "a": "1", "c": "3"},
		Due:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func roundTrip[V any](t *testing.T, c Codec[V], v V, eq func(a, b V) bool) {
	t.Helper()
	b1, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b2, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode again: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("encoding not deterministic:\n%x\n%x", b1, b2)
	}
	got, err := c.Decode(b1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !eq(got, v) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, v)
	}
}

func sameTask(a, b task) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Done != b.Done || !a.Due.Equal(b.Due) || len(a.Tags) != len(b.Tags) {
		return false
	}
	for k, v := range a.Tags {
		if b.Tags[k] != v {
			return false
		}
	}
	return true
}

func TestStructCodecsAreDeterministic(t *testing.T) {
	t.Run("json", func(t *testing.T) { roundTrip[task](t, JSON[task]{}, sample(), sameTask) })
	t.Run("msgpack", func(t *testing.T) { roundTrip[task](t, Msgpack[task]{}, sample(), sameTask) })
	t.Run("cbor", func(t *testing.T) { roundTrip[task](t, CBOR[task]{}, sample(), sameTask) })
}

func TestMsgpackUsesJSONTags(t *testing.T) {
	b, err := Msgpack[task]{}.Encode(sample())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte("title")) || bytes.Contains(b, []byte("Title")) {
		t.Fatalf("expected json field names in msgpack payload: %q", b)
	}
}

func TestProtobuf(t *testing.T) {
	c := NewProtobuf(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	roundTrip[*wrapperspb.StringValue](t, c, wrapperspb.String("hello"), func(a, b *wrapperspb.StringValue) bool {
		return proto.Equal(a, b)
	})
}

func TestBytesCopies(t *testing.T) {
	in := []byte("abc")
	out, _ := Bytes{}.Encode(in)
	in[0] = 'x'
	if string(out) != "abc" {
		t.Fatalf("Bytes.Encode aliases its input: %q", out)
	}
	if v, _ := (Bytes{}).Decode(nil); v != nil {
		t.Fatalf("nil must stay nil, got %v", v)
	}
	s, _ := String{}.Decode([]byte("hi"))
	if s != "hi" {
		t.Fatalf("String decode: %q", s)
	}
}

func TestLimit(t *testing.T) {
	c := Limit[string]{Inner: String{}, Max: 4}

	if _, err := c.Encode("12345"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("encode over limit: want ErrTooLarge, got %v", err)
	}
	if _, err := c.Decode([]byte("12345")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("decode over limit: want ErrTooLarge, got %v", err)
	}
	if v, err := c.Decode([]byte("1234")); err != nil || v != "1234" {
		t.Fatalf("decode at limit: %q %v", v, err)
	}

	off := Limit[string]{Inner: String{}}
	if _, err := off.Encode("a long enough string"); err != nil {
		t.Fatalf("Max 0 must disable the limit: %v", err)
	}
}
