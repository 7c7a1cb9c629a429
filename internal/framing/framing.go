// Package framing implements the length-prefixed binary record format
// spec.md §6.2 calls for across every persisted database (sinfo.db,
// iroot.db, memo.db, ilist.db, history.db): a uvarint byte count followed
// by that many bytes of a marshaled message. Field-level encoding within
// each record uses google.golang.org/protobuf/encoding/protowire's
// primitives directly (SPEC_FULL.md §3.1), rather than full code-generated
// protobuf messages, since no .proto toolchain runs as part of this build.
package framing

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/joeycumines/go-idiomscan/internal/errs"
)

// Message is anything that can serialize itself to and from the wire
// format used inside a single framed record.
type Message interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

// Writer appends length-prefixed records to an underlying io.Writer.
type Writer struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Put appends one record.
func (fw *Writer) Put(m Message) error {
	b := m.Marshal()
	n := binary.PutUvarint(fw.buf[:], uint64(len(b)))
	if _, err := fw.w.Write(fw.buf[:n]); err != nil {
		return err
	}
	_, err := fw.w.Write(b)
	return err
}

// Flush must be called once all records have been written.
func (fw *Writer) Flush() error { return fw.w.Flush() }

// Reader reads length-prefixed records from an underlying io.Reader.
type Reader struct {
	r   *bufio.Reader
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads the next record's raw bytes, or returns io.EOF when the
// stream is exhausted cleanly. A partial record at EOF is reported as
// errs.ErrTruncated, per spec.md §7's Persistence error kind.
func (fr *Reader) Next() ([]byte, error) {
	n, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &errs.DBError{Kind: errs.ErrTruncated, Err: err}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, &errs.DBError{Kind: errs.ErrTruncated, Err: err}
	}
	return buf, nil
}

// Decode reads every record from r and unmarshals each into a freshly
// constructed message via newMsg, calling fn with the populated message.
func Decode(r io.Reader, newMsg func() Message, fn func(Message) error) error {
	fr := NewReader(r)
	for {
		raw, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		m := newMsg()
		if err := m.Unmarshal(raw); err != nil {
			return &errs.DBError{Kind: errs.ErrMalformedDB, Err: err}
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}
