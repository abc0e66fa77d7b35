package porttype

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// midiHeader sits at offset 0 of every MIDI buffer (spec §4.3).
type midiHeader struct {
	NFrames         uint32
	BufferSizeBytes uint32
	EventCount      uint32
	LastWriteOffset uint32 // bytes used from the top end for event payloads
	EventsLost      uint32
}

// midiEvent is one fixed-size entry in the event array that grows forward
// from just after the header.
type midiEvent struct {
	Time       uint32
	Size       uint32
	ByteOffset uint32 // offset from the top of the buffer where the payload starts
}

var (
	midiHeaderSize = binary.Size(midiHeader{})
	midiEventSize  = binary.Size(midiEvent{})
)

// Endian is the byte order of MIDI buffer headers and event entries: the
// host's native order, the same as internal/wire.Endian.
var Endian = binary.NativeEndian

// MIDIEvent is the decoded, user-facing form of one buffer entry.
type MIDIEvent struct {
	Time uint32
	Data []byte
}

// MIDITypeName's port type. Mixdown is an n-way time-ordered merge.
func MIDIType() *Type {
	return &Type{
		Name: MIDITypeName,
		BufferInit: func(buf []byte, nframes int) {
			initMIDIBuffer(buf, nframes)
		},
		Mixdown: mixdownMIDI,
		BufferSize: func(nframes int) int {
			// MIDI buffers are sized independent of nframes (they hold a
			// fixed byte budget of event slots + payload), but nframes
			// still bounds event Time values.
			return DefaultMIDIBufferBytes
		},
	}
}

// DefaultMIDIBufferBytes is the byte size of a period's MIDI buffer. Large
// enough for a few hundred short events, matching typical JACK MIDI usage.
const DefaultMIDIBufferBytes = 4096

func initMIDIBuffer(buf []byte, nframes int) {
	clear(buf)
	h := midiHeader{
		NFrames:         uint32(nframes),
		BufferSizeBytes: uint32(len(buf)),
	}
	writeHeader(buf, &h)
}

func readHeader(buf []byte) midiHeader {
	var h midiHeader
	_ = binary.Read(bytes.NewReader(buf[:midiHeaderSize]), Endian, &h)
	return h
}

func writeHeader(buf []byte, h *midiHeader) {
	b := new(bytes.Buffer)
	b.Grow(midiHeaderSize)
	_ = binary.Write(b, Endian, h)
	copy(buf[:midiHeaderSize], b.Bytes())
}

// ErrEventTimeRegressed is returned by WriteEvent when the caller attempts
// to write an event whose time is earlier than the previous one (spec §4.3:
// "Event times must be non-decreasing on write").
var ErrEventTimeRegressed = fmt.Errorf("porttype: midi event time regressed")

// WriteEvent reserves space for one event of the given time and payload.
// On overflow (no room left for the event-array slot or the payload) it
// increments EventsLost and returns nil (spec: "overflow increments
// events-lost instead of corrupting") rather than an error — callers are
// not expected to react to every dropped event individually.
func WriteEvent(buf []byte, time uint32, data []byte) error {
	h := readHeader(buf)

	if h.EventCount > 0 {
		lastOff := midiHeaderSize + int(h.EventCount-1)*midiEventSize
		var last midiEvent
		_ = binary.Read(bytes.NewReader(buf[lastOff:lastOff+midiEventSize]), Endian, &last)
		if time < last.Time {
			return ErrEventTimeRegressed
		}
	}

	eventsEnd := midiHeaderSize + int(h.EventCount+1)*midiEventSize
	payloadStart := len(buf) - int(h.LastWriteOffset) - len(data)
	if eventsEnd > payloadStart {
		h.EventsLost++
		writeHeader(buf, &h)
		return nil
	}

	copy(buf[payloadStart:], data)

	ev := midiEvent{Time: time, Size: uint32(len(data)), ByteOffset: uint32(len(buf) - payloadStart)}
	slot := midiHeaderSize + int(h.EventCount)*midiEventSize
	eb := new(bytes.Buffer)
	eb.Grow(midiEventSize)
	_ = binary.Write(eb, Endian, &ev)
	copy(buf[slot:], eb.Bytes())

	h.EventCount++
	h.LastWriteOffset += uint32(len(data))
	writeHeader(buf, &h)
	return nil
}

// ReadEvents decodes every event currently stored in buf, in write order
// (which is also time order, since WriteEvent rejects regressions).
func ReadEvents(buf []byte) []MIDIEvent {
	h := readHeader(buf)
	out := make([]MIDIEvent, 0, h.EventCount)
	for i := uint32(0); i < h.EventCount; i++ {
		slot := midiHeaderSize + int(i)*midiEventSize
		var ev midiEvent
		_ = binary.Read(bytes.NewReader(buf[slot:slot+midiEventSize]), Endian, &ev)
		payloadStart := len(buf) - int(ev.ByteOffset)
		data := make([]byte, ev.Size)
		copy(data, buf[payloadStart:payloadStart+int(ev.Size)])
		out = append(out, MIDIEvent{Time: ev.Time, Data: data})
	}
	return out
}

// EventsLost reports the header's dropped-event counter.
func EventsLost(buf []byte) uint32 { return readHeader(buf).EventsLost }

// mixdownMIDI n-way merges every source buffer's events into dst by time,
// preserving relative order of equal-time events by source order, and
// propagating each source's EventsLost into dst's.
func mixdownMIDI(dst []byte, sources [][]byte, nframes int) {
	initMIDIBuffer(dst, nframes)

	type tagged struct {
		MIDIEvent
		src int
	}
	var merged []tagged
	var lost uint32
	for si, src := range sources {
		for _, ev := range ReadEvents(src) {
			merged = append(merged, tagged{ev, si})
		}
		lost += EventsLost(src)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time < merged[j].Time
	})

	for _, ev := range merged {
		if err := WriteEvent(dst, ev.Time, ev.Data); err != nil {
			// Time ordering is guaranteed by the stable sort above; this
			// path is unreachable in practice.
			lost++
			continue
		}
	}

	h := readHeader(dst)
	h.EventsLost += lost
	writeHeader(dst, &h)
}
