package wire

import (
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustEncodeSingle(t *testing.T, ev Event) []byte {
	t.Helper()
	b, err := EncodeSingle(ev)
	if err != nil {
		t.Fatalf("EncodeSingle error: %v", err)
	}
	return b
}

func mustEncodeBatch(t *testing.T, evs []Event) []byte {
	t.Helper()
	b, err := EncodeBatch(evs)
	if err != nil {
		t.Fatalf("EncodeBatch error: %v", err)
	}
	return b
}

// ==============================
// Single
// ==============================

func TestSingleRoundTrip(t *testing.T) {
	cases := []Event{
		{Entity: "tasks"},
		{Entity: "tasks", ID: "t1"},
		{Namespace: "app", Entity: "tasks", ID: "t1"},
		{Namespace: "ns", Entity: strings.Repeat("e", 0xFFFF)},
	}
	for _, ev := range cases {
		got, err := DecodeSingle(mustEncodeSingle(t, ev))
		if err != nil {
			t.Fatalf("DecodeSingle(%q): %v", ev.Entity[:min(len(ev.Entity), 8)], err)
		}
		if got != ev {
			t.Fatalf("round trip: got %+v want %+v", got, ev)
		}
	}
}

func TestSingleRejectsTrailingBytes(t *testing.T) {
	enc := append(mustEncodeSingle(t, Event{Entity: "tasks"}), 0xDE, 0xAD)
	if _, err := DecodeSingle(enc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on trailing bytes, got %v", err)
	}
}

func TestSingleCorruptHeaders(t *testing.T) {
	enc := mustEncodeSingle(t, Event{Entity: "tasks", ID: "1"})

	bad := append([]byte(nil), enc...)
	bad[0] = 'X'
	if _, err := DecodeSingle(bad); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	bad = append([]byte(nil), enc...)
	bad[4] = version + 1
	if _, err := DecodeSingle(bad); err == nil {
		t.Fatalf("expected error on bad version")
	}

	bad = append([]byte(nil), enc...)
	bad[5] = kindBatch
	if _, err := DecodeSingle(bad); err == nil {
		t.Fatalf("expected error on wrong kind")
	}

	for i := 0; i < len(enc); i++ {
		if _, err := DecodeSingle(enc[:i]); err == nil {
			t.Fatalf("expected error on truncation at %d", i)
		}
	}
}

func TestSingleRejectsEmptyEntity(t *testing.T) {
	if _, err := EncodeSingle(Event{ID: "1"}); !errors.Is(err, ErrField) {
		t.Fatalf("expected ErrField, got %v", err)
	}
	// hand-built frame with empty entity
	b := append(magic4[:], version, kindSingle, 0, 0, 0, 0, 0, 0)
	if _, err := DecodeSingle(b); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestEncodeRejectsLongField(t *testing.T) {
	if _, err := EncodeSingle(Event{Entity: "e", ID: strings.Repeat("x", 0x10000)}); !errors.Is(err, ErrField) {
		t.Fatalf("expected ErrField, got %v", err)
	}
	if _, err := EncodeBatch([]Event{{Entity: "e"}, {Entity: strings.Repeat("x", 0x10000)}}); !errors.Is(err, ErrField) {
		t.Fatalf("expected ErrField, got %v", err)
	}
}

// ==============================
// Batch
// ==============================

func TestBatchRoundTrip(t *testing.T) {
	evs := []Event{
		{Entity: "tasks"},
		{Namespace: "app", Entity: "notes", ID: "n1"},
		{Entity: "tasks", ID: "t2"},
	}
	got, err := DecodeBatch(mustEncodeBatch(t, evs))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, evs) {
		t.Fatalf("round trip: got %+v want %+v", got, evs)
	}

	got, err = DecodeBatch(mustEncodeBatch(t, nil))
	if err != nil || len(got) != 0 {
		t.Fatalf("empty batch: %v %v", got, err)
	}
}

func TestBatchRejectsHugeCount(t *testing.T) {
	enc := mustEncodeBatch(t, []Event{{Entity: "tasks"}})
	binary.BigEndian.PutUint32(enc[6:10], 1<<31)
	if _, err := DecodeBatch(enc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestBatchTruncation(t *testing.T) {
	enc := mustEncodeBatch(t, []Event{{Entity: "tasks", ID: "1"}, {Entity: "tasks", ID: "2"}})
	for i := 0; i < len(enc); i++ {
		if _, err := DecodeBatch(enc[:i]); err == nil {
			t.Fatalf("expected error on truncation at %d", i)
		}
	}
}

func TestKind(t *testing.T) {
	single := mustEncodeSingle(t, Event{Entity: "tasks"})
	batch := mustEncodeBatch(t, []Event{{Entity: "tasks"}})
	if b, err := Kind(single); err != nil || b {
		t.Fatalf("Kind(single) = %v, %v", b, err)
	}
	if b, err := Kind(batch); err != nil || !b {
		t.Fatalf("Kind(batch) = %v, %v", b, err)
	}
	if _, err := Kind([]byte("{}")); err == nil {
		t.Fatalf("expected error on foreign payload")
	}
}
