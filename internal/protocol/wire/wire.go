// Package wire holds protobuf field primitives shared by the record and
// message codecs. Field numbers are owned by the callers; this package only
// knows how fields are laid out on the wire.
package wire

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated       = errors.New("wire: truncated field")
	ErrUnsupportedType = errors.New("wire: unsupported wire type")
	ErrTypeMismatch    = errors.New("wire: field type mismatch")
)

// Field is one decoded protobuf field. Scalar values land in Varint
// (varint, fixed32, fixed64); length-delimited values land in Bytes.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// DecodeFields splits b into its top-level fields in wire order.
func DecodeFields(b []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d varint", ErrTruncated, num)
			}
			f.Varint = v
			n = m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d fixed32", ErrTruncated, num)
			}
			f.Varint = uint64(v)
			n = m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d fixed64", ErrTruncated, num)
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d bytes", ErrTruncated, num)
			}
			f.Bytes = v
			n = m
		default:
			return nil, fmt.Errorf("%w: field %d type %d", ErrUnsupportedType, num, typ)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// String returns a length-delimited field as a string.
func (f Field) String() (string, error) {
	if f.Type != protowire.BytesType {
		return "", fmt.Errorf("%w: field %d want bytes got %d", ErrTypeMismatch, f.Num, f.Type)
	}
	return string(f.Bytes), nil
}

// Raw returns a copy of a length-delimited field.
func (f Field) Raw() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d want bytes got %d", ErrTypeMismatch, f.Num, f.Type)
	}
	if len(f.Bytes) == 0 {
		return nil, nil
	}
	out := make([]byte, len(f.Bytes))
	copy(out, f.Bytes)
	return out, nil
}

func (f Field) Uint() (uint64, error) {
	switch f.Type {
	case protowire.VarintType, protowire.Fixed32Type, protowire.Fixed64Type:
		return f.Varint, nil
	default:
		return 0, fmt.Errorf("%w: field %d want scalar got %d", ErrTypeMismatch, f.Num, f.Type)
	}
}

func (f Field) Bool() (bool, error) {
	v, err := f.Uint()
	return v != 0, err
}

// AppendString appends a string field, omitting the proto3 default.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendRepeatedString appends every element, including empty strings.
func AppendRepeatedString(b []byte, num protowire.Number, items []string) []byte {
	for _, s := range items {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage always emits the field so that an empty oneof member
// survives a round trip.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

func AppendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

// AppendStringMap appends a map<string,string> field with keys in sorted
// order so the encoding is deterministic.
func AppendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	if len(m) == 0 {
		return b
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = AppendString(entry, 1, k)
		entry = AppendString(entry, 2, m[k])
		b = AppendMessage(b, num, entry)
	}
	return b
}

// MapEntry decodes one map<string,string> entry.
func MapEntry(f Field) (string, string, error) {
	raw, err := f.Raw()
	if err != nil {
		return "", "", err
	}
	fields, err := DecodeFields(raw)
	if err != nil {
		return "", "", err
	}
	var key, val string
	for _, ef := range fields {
		switch ef.Num {
		case 1:
			if key, err = ef.String(); err != nil {
				return "", "", err
			}
		case 2:
			if val, err = ef.String(); err != nil {
				return "", "", err
			}
		}
	}
	return key, val, nil
}

// PutMapEntry decodes f and stores it into *m, allocating the map on first use.
func PutMapEntry(m *map[string]string, f Field) error {
	k, v, err := MapEntry(f)
	if err != nil {
		return err
	}
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[k] = v
	return nil
}
