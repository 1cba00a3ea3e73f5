// Package wire frames invalidation events for byte-oriented transports.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version    byte = 1
	kindSingle byte = 1
	kindBatch  byte = 2
)

var (
	ErrCorrupt = errors.New("synccache: corrupt event frame")
	ErrField   = errors.New("synccache: event field too long")
	magic4     = [...]byte{'S', 'Y', 'N', 'E'}
)

// Event is the framed form of push.Event. It is duplicated here so the
// framing stays independent of the push package.
type Event struct {
	Namespace string
	Entity    string
	ID        string
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Kind reports whether b looks like a single or a batch frame.
func Kind(b []byte) (batch bool, err error) {
	if len(b) < 6 || !hasMagic(b) || b[4] != version {
		return false, ErrCorrupt
	}
	switch b[5] {
	case kindSingle:
		return false, nil
	case kindBatch:
		return true, nil
	}
	return false, ErrCorrupt
}

// Single: magic(4) | ver(1) | kind(1=single) | event
//
// event: nsLen(u16 be) | ns | entLen(u16 be) | entity | idLen(u16 be) | id
func EncodeSingle(ev Event) ([]byte, error) {
	if err := check(ev); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(6 + size(ev))
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)
	writeEvent(&buf, ev)
	return buf.Bytes(), nil
}

func DecodeSingle(b []byte) (Event, error) {
	if batch, err := Kind(b); err != nil || batch {
		return Event{}, ErrCorrupt
	}
	ev, off, err := readEvent(b, 6)
	if err != nil {
		return Event{}, err
	}
	if off != len(b) {
		return Event{}, ErrCorrupt
	}
	return ev, nil
}

// Batch: magic(4) | ver(1) | kind(2=batch) | n(u32 be) | event * n
func EncodeBatch(evs []Event) ([]byte, error) {
	total := 6 + 4
	for _, ev := range evs {
		if err := check(ev); err != nil {
			return nil, err
		}
		total += size(ev)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindBatch)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(evs)))
	buf.Write(u4[:])
	for _, ev := range evs {
		writeEvent(&buf, ev)
	}
	return buf.Bytes(), nil
}

func DecodeBatch(b []byte) ([]Event, error) {
	if batch, err := Kind(b); err != nil || !batch {
		return nil, ErrCorrupt
	}
	if len(b) < 10 {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[6:10]))
	off := 10
	// every event takes at least 6 bytes; reject counts the frame cannot hold
	if n < 0 || n > (len(b)-off)/6 {
		return nil, ErrCorrupt
	}

	evs := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, next, err := readEvent(b, off)
		if err != nil {
			return nil, err
		}
		off = next
		evs = append(evs, ev)
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return evs, nil
}

func check(ev Event) error {
	if ev.Entity == "" {
		return ErrField
	}
	for _, s := range [...]string{ev.Namespace, ev.Entity, ev.ID} {
		if len(s) > 0xFFFF {
			return ErrField
		}
	}
	return nil
}

func size(ev Event) int {
	return 6 + len(ev.Namespace) + len(ev.Entity) + len(ev.ID)
}

func writeEvent(buf *bytes.Buffer, ev Event) {
	var u2 [2]byte
	for _, s := range [...]string{ev.Namespace, ev.Entity, ev.ID} {
		binary.BigEndian.PutUint16(u2[:], uint16(len(s)))
		buf.Write(u2[:])
		buf.WriteString(s)
	}
}

func readEvent(b []byte, off int) (Event, int, error) {
	var fields [3]string
	for i := range fields {
		if off+2 > len(b) {
			return Event{}, 0, ErrCorrupt
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if l > len(b)-off {
			return Event{}, 0, ErrCorrupt
		}
		fields[i] = string(b[off : off+l])
		off += l
	}
	if fields[1] == "" {
		return Event{}, 0, ErrCorrupt
	}
	return Event{Namespace: fields[0], Entity: fields[1], ID: fields[2]}, off, nil
}
