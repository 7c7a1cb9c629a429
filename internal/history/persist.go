package history

import (
	"io"

	"github.com/joeycumines/go-idiomscan/internal/framing"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for a single persisted sample row (spec.md §6.2:
// "history.db: list of (inst_count, num_threads) tuples from prior runs").
const (
	sampleFieldInstCount   protowire.Number = 1
	sampleFieldThreadCount protowire.Number = 2
)

func (s *Sample) Marshal() []byte {
	var b []byte
	b = framing.AppendUvarintField(b, sampleFieldInstCount, s.InstCount)
	b = framing.AppendUvarintField(b, sampleFieldThreadCount, uint64(s.ThreadCount))
	return b
}

func (s *Sample) Unmarshal(b []byte) error {
	return framing.ConsumeFields(b, func(f framing.Field) error {
		switch f.Num {
		case sampleFieldInstCount:
			s.InstCount = f.Varint
		case sampleFieldThreadCount:
			s.ThreadCount = int(f.Varint)
		}
		return nil
	})
}

// Save writes samples to w in slice order, one framed record per sample.
// The caller keeps the raw sample list itself (see cmdutil.History); Save
// does not read anything out of an Estimator, whose P² markers cannot be
// turned back into samples. Load, or LoadInto, rebuilds an equivalent
// estimator from the written list.
//
// Save/Load here operate on a plain slice of samples rather than the
// Estimator's internal marker state, since the markers themselves are not
// meaningful across process restarts without the exact update order.
func Save(w io.Writer, samples []Sample) error {
	fw := framing.NewWriter(w)
	for i := range samples {
		if err := fw.Put(&samples[i]); err != nil {
			return err
		}
	}
	return fw.Flush()
}

// Load reads every persisted sample from history.db.
func Load(r io.Reader) ([]Sample, error) {
	fr := framing.NewReader(r)
	var out []Sample
	for {
		raw, err := fr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var s Sample
		if err := s.Unmarshal(raw); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// LoadInto reads every persisted sample and folds each into e, in file
// order, rebuilding its P² markers for this process.
func LoadInto(r io.Reader, e *Estimator) error {
	samples, err := Load(r)
	if err != nil {
		return err
	}
	for _, s := range samples {
		e.Observe(s)
	}
	return nil
}
