package framing

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendUvarintField appends a varint-typed field (protobuf wire type 0).
func AppendUvarintField(dst []byte, num protowire.Number, v uint64) []byte {
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, v)
}

// AppendBytesField appends a length-delimited field (protobuf wire type 2),
// used for both raw bytes and strings.
func AppendBytesField(dst []byte, num protowire.Number, v []byte) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	return protowire.AppendBytes(dst, v)
}

// AppendStringField is AppendBytesField for string values.
func AppendStringField(dst []byte, num protowire.Number, v string) []byte {
	return AppendBytesField(dst, num, []byte(v))
}

// Field is one decoded field from ConsumeFields.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// ConsumeFields walks every top-level field in b, invoking fn for each.
// Unknown field numbers are passed through to fn rather than rejected,
// mirroring protobuf's forward-compatibility rule: callers ignore fields
// they don't recognize instead of failing the whole record.
func ConsumeFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("framing: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var f Field
		f.Num, f.Type = num, typ

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("framing: invalid varint: %w", protowire.ParseError(n))
			}
			f.Varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("framing: invalid bytes: %w", protowire.ParseError(n))
			}
			f.Bytes = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("framing: invalid fixed32: %w", protowire.ParseError(n))
			}
			f.Varint = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("framing: invalid fixed64: %w", protowire.ParseError(n))
			}
			f.Varint = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("framing: invalid field value: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
