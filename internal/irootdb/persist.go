package irootdb

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers match spec.md §6.2's EventProto / iRootProto layout.
const (
	eventFieldID   protowire.Number = 1
	eventFieldInst protowire.Number = 2
	eventFieldKind protowire.Number = 3

	irootFieldID             protowire.Number = 1
	irootFieldIdiom          protowire.Number = 2
	irootFieldEventID        protowire.Number = 3 // repeated
	irootFieldSrcCount       protowire.Number = 4
	irootFieldDstCount       protowire.Number = 5
	irootFieldCountPairValid protowire.Number = 6
)

func (e *Event) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, eventFieldID, uint64(e.ID))
	b = framing.AppendUvarintField(b, eventFieldInst, uint64(e.Inst))
	b = framing.AppendUvarintField(b, eventFieldKind, uint64(e.Kind))
	return b
}

func (e *Event) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case eventFieldID:
			e.ID = EventID(f.Varint)
		case eventFieldInst:
			e.Inst = sinfo.InstID(f.Varint)
		case eventFieldKind:
			e.Kind = EventKind(f.Varint)
		}
		return nil
	})
}

func (r *IRoot) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, irootFieldID, uint64(r.ID))
	b = framing.AppendUvarintField(b, irootFieldIdiom, uint64(r.Idiom))
	for _, ev := range r.Events {
		b = framing.AppendUvarintField(b, irootFieldEventID, uint64(ev))
	}
	b = framing.AppendUvarintField(b, irootFieldSrcCount, uint64(r.SrcCount))
	b = framing.AppendUvarintField(b, irootFieldDstCount, uint64(r.DstCount))
	if r.CountPairValid {
		b = framing.AppendUvarintField(b, irootFieldCountPairValid, 1)
	}
	return b
}

func (r *IRoot) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case irootFieldID:
			r.ID = IRootID(f.Varint)
		case irootFieldIdiom:
			r.Idiom = Idiom(f.Varint)
		case irootFieldEventID:
			r.Events = append(r.Events, EventID(f.Varint))
		case irootFieldSrcCount:
			r.SrcCount = int(f.Varint)
		case irootFieldDstCount:
			r.DstCount = int(f.Varint)
		case irootFieldCountPairValid:
			r.CountPairValid = f.Varint != 0
		}
		return nil
	})
}

// Save persists the whole database to iroot.db: a header record (event and
// iroot counts) followed by every Event then every IRoot, each length
// prefixed (SPEC_FULL.md §3.1).
func (db *DB) Save(w io.Writer) error {
	events := db.AllEvents()
	iroots := db.All()

	fw := framing.NewWriter(w)
	if err := fw.Put(&header{Events: uint64(len(events)), IRoots: uint64(len(iroots))}); err != nil {
		return err
	}
	for _, e := range events {
		if err := fw.Put(e); err != nil {
			return err
		}
	}
	for _, r := range iroots {
		if err := fw.Put(r); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// Load reads a previously persisted iroot.db into db, overwriting any entry
// with the same id and keeping the others, and advances the id counters
// past the max id seen (spec.md §4.3).
func (db *DB) Load(r io.Reader) error {
	fr := framing.NewReader(r)

	raw, err := fr.Next()
	if err != nil {
		return err
	}
	var h header
	if err := h.Unmarshal(raw); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for i := uint64(0); i < h.Events; i++ {
		raw, err := fr.Next()
		if err != nil {
			return err
		}
		e := &Event{}
		if err := e.Unmarshal(raw); err != nil {
			return err
		}
		db.events[e.ID] = e
		db.eventsByKey[eventKey{inst: e.Inst, kind: e.Kind}] = e
		if e.ID >= db.nextEventID {
			db.nextEventID = e.ID + 1
		}
	}
	for i := uint64(0); i < h.IRoots; i++ {
		raw, err := fr.Next()
		if err != nil {
			return err
		}
		ir := &IRoot{}
		if err := ir.Unmarshal(raw); err != nil {
			return err
		}
		db.iroots[ir.ID] = ir
		db.irootsByKey[irootBucketKey(ir.Idiom, ir.Events)] = ir
		if ir.ID >= db.nextIRootID {
			db.nextIRootID = ir.ID + 1
		}
	}
	return nil
}

type header struct {
	Events uint64
	IRoots uint64
}

const (
	headerFieldEvents protowire.Number = 1
	headerFieldIRoots protowire.Number = 2
)

func (h *header) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, headerFieldEvents, h.Events)
	b = framing.AppendUvarintField(b, headerFieldIRoots, h.IRoots)
	return b
}

func (h *header) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case headerFieldEvents:
			h.Events = f.Varint
		case headerFieldIRoots:
			h.IRoots = f.Varint
		}
		return nil
	})
}
