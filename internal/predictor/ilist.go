package predictor

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"google.golang.org/protobuf/encoding/protowire"
)

// idRecord is one row of ilist.db: a flat list of predicted iRoot ids from
// a single delta-observer run (spec.md §6.2).
type idRecord struct {
	ID irootdb.IRootID
}

const idRecordField protowire.Number = 1

func (r *idRecord) Marshal() []byte {
	return framing.AppendUvarintField(nil, idRecordField, uint64(r.ID))
}

func (r *idRecord) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		if f.Num == idRecordField {
			r.ID = irootdb.IRootID(f.Varint)
		}
		return nil
	})
}

// SaveIList persists ids to ilist.db, the flat predicted-iroot-id list a
// single delta-observer run emits (spec.md §6.2).
func SaveIList(w io.Writer, ids []irootdb.IRootID) error {
	fw := framing.NewWriter(w)
	for _, id := range ids {
		if err := fw.Put(&idRecord{ID: id}); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// LoadIList reads a previously persisted ilist.db.
func LoadIList(r io.Reader) ([]irootdb.IRootID, error) {
	fr := framing.NewReader(r)
	var out []irootdb.IRootID
	for {
		raw, err := fr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var rec idRecord
		if err := rec.Unmarshal(raw); err != nil {
			return nil, err
		}
		out = append(out, rec.ID)
	}
}
