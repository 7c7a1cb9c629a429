package memo

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for one persisted memo.db row (spec.md §6.2: "per-iRoot
// info and exposed/failed/predicted/candidate sets").
const (
	rowFieldID            protowire.Number = 1
	rowFieldTotalTestRuns protowire.Number = 2
	rowFieldCandTries     protowire.Number = 3
	rowFieldAsync         protowire.Number = 4
	rowFieldFlags         protowire.Number = 5
)

type row struct {
	id    irootdb.IRootID
	runs  int
	tries int
	async bool
	flags uint64 // bitmask over Flag values
}

func (r *row) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, rowFieldID, uint64(r.id))
	b = framing.AppendUvarintField(b, rowFieldTotalTestRuns, uint64(r.runs))
	b = framing.AppendUvarintField(b, rowFieldCandTries, uint64(r.tries))
	if r.async {
		b = framing.AppendUvarintField(b, rowFieldAsync, 1)
	}
	b = framing.AppendUvarintField(b, rowFieldFlags, r.flags)
	return b
}

func (r *row) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case rowFieldID:
			r.id = irootdb.IRootID(f.Varint)
		case rowFieldTotalTestRuns:
			r.runs = int(f.Varint)
		case rowFieldCandTries:
			r.tries = int(f.Varint)
		case rowFieldAsync:
			r.async = f.Varint != 0
		case rowFieldFlags:
			r.flags = f.Varint
		}
		return nil
	})
}

// Save persists every tracked iRoot's info to memo.db (spec.md §6.2),
// preserving EXPOSED, FAILED, PREDICTED, SHADOW_EXPOSED, CANDIDATE
// membership and total_test_runs (spec.md §8's round-trip property).
func (s *Store) Save(w io.Writer) error {
	s.mu.Lock()
	ids := make([]irootdb.IRootID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	fw := framing.NewWriter(w)
	for _, id := range ids {
		e := s.get(id)
		e.mu.Lock()
		r := &row{id: id, runs: e.totalTestRuns, tries: e.candidateTries, async: e.asyncFlag}
		for f := Flag(0); f < numFlags; f++ {
			if e.flags[f] {
				r.flags |= 1 << uint(f)
			}
		}
		e.mu.Unlock()
		if err := fw.Put(r); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// Load reads a previously persisted memo.db into s, overwriting the entry
// of every id the file lists and keeping the others.
func (s *Store) Load(r io.Reader) error {
	fr := framing.NewReader(r)
	for {
		raw, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		var rec row
		if err := rec.Unmarshal(raw); err != nil {
			return err
		}
		e := s.get(rec.id)
		e.mu.Lock()
		e.totalTestRuns = rec.runs
		e.candidateTries = rec.tries
		e.asyncFlag = rec.async
		for f := Flag(0); f < numFlags; f++ {
			e.flags[f] = rec.flags&(1<<uint(f)) != 0
		}
		e.mu.Unlock()
	}
}
