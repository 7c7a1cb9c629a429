package events

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the on-the-wire Event record consumed from an
// instrumentation driver (spec.md §1's external collaborator): one framed
// record per callback, same length-prefixed style as the persisted
// databases (spec.md §6.2), since the wire format itself is out of scope
// for the spec and this just reuses the one framing convention already in
// use throughout the module.
const (
	eventFieldKind               protowire.Number = 1
	eventFieldThreadID           protowire.Number = 2
	eventFieldThdClk             protowire.Number = 3
	eventFieldInst               protowire.Number = 4
	eventFieldAddr               protowire.Number = 5
	eventFieldSize               protowire.Number = 6
	eventFieldAtomicOp           protowire.Number = 7
	eventFieldParentOrChild      protowire.Number = 8
	eventFieldSyscallOrSignalNum protowire.Number = 9
	eventFieldBarrierGeneration  protowire.Number = 10
)

// Marshal encodes ev as one wire record, per the field layout above.
func (ev *Event) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, eventFieldKind, uint64(ev.Kind))
	b = framing.AppendUvarintField(b, eventFieldThreadID, uint64(ev.ThreadID))
	b = framing.AppendUvarintField(b, eventFieldThdClk, ev.ThdClk)
	b = framing.AppendUvarintField(b, eventFieldInst, uint64(ev.Inst))
	b = framing.AppendUvarintField(b, eventFieldAddr, ev.Addr)
	b = framing.AppendUvarintField(b, eventFieldSize, ev.Size)
	b = framing.AppendUvarintField(b, eventFieldAtomicOp, uint64(ev.AtomicOp))
	b = framing.AppendUvarintField(b, eventFieldParentOrChild, uint64(ev.ParentOrChild))
	b = framing.AppendUvarintField(b, eventFieldSyscallOrSignalNum, uint64(ev.SyscallOrSignalNum))
	b = framing.AppendUvarintField(b, eventFieldBarrierGeneration, ev.BarrierGeneration)
	return b
}

// Unmarshal decodes ev from one wire record produced by Marshal.
func (ev *Event) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case eventFieldKind:
			ev.Kind = Kind(f.Varint)
		case eventFieldThreadID:
			ev.ThreadID = ThreadID(f.Varint)
		case eventFieldThdClk:
			ev.ThdClk = f.Varint
		case eventFieldInst:
			ev.Inst = InstRef(f.Varint)
		case eventFieldAddr:
			ev.Addr = f.Varint
		case eventFieldSize:
			ev.Size = f.Varint
		case eventFieldAtomicOp:
			ev.AtomicOp = AtomicOp(f.Varint)
		case eventFieldParentOrChild:
			ev.ParentOrChild = ThreadID(f.Varint)
		case eventFieldSyscallOrSignalNum:
			ev.SyscallOrSignalNum = int(f.Varint)
		case eventFieldBarrierGeneration:
			ev.BarrierGeneration = f.Varint
		}
		return nil
	})
}

// Stream reads one framed Event per call, in the order an instrumentation
// driver emits them, until r is exhausted.
type Stream struct {
	fr *framing.Reader
}

// NewStream wraps r as a framed Event source.
func NewStream(r io.Reader) *Stream { return &Stream{fr: framing.NewReader(r)} }

// Next returns the next Event, or io.EOF once the stream ends cleanly.
func (s *Stream) Next() (Event, error) {
	raw, err := s.fr.Next()
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := ev.Unmarshal(raw); err != nil {
		return Event{}, err
	}
	return ev, nil
}
