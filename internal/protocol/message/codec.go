package message

import (
	"errors"
	"fmt"

	"github.com/danmuck/uspagent/internal/protocol/wire"
)

var ErrMalformedMessage = errors.New("message: malformed message")

// Codec converts messages to and from their wire form.
type Codec interface {
	Encode(Msg) ([]byte, error)
	Decode([]byte) (Msg, error)
}

// ProtoCodec implements Codec with the published protobuf layout.
type ProtoCodec struct{}

var _ Codec = ProtoCodec{}

func (ProtoCodec) Encode(m Msg) ([]byte, error) {
	return Encode(m)
}

func (ProtoCodec) Decode(b []byte) (Msg, error) {
	return Decode(b)
}

// Encode serializes m. Structural validation is left to Validate so that
// error responses can always be produced.
func Encode(m Msg) ([]byte, error) {
	if m.Header.MsgID == "" {
		return nil, fmt.Errorf("%w: missing msg_id", ErrMalformedMessage)
	}
	set := 0
	for _, ok := range []bool{m.Request != nil, m.Response != nil, m.Error != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: want exactly one body, got %d", ErrMalformedMessage, set)
	}
	return encodeMsg(m), nil
}

// Decode parses b. Unknown fields are skipped; decode failures wrap
// ErrMalformedMessage.
func Decode(b []byte) (Msg, error) {
	m, err := decodeMsg(b)
	if err != nil {
		return Msg{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

func eachField(raw []byte, fn func(wire.Field) error) error {
	fields, err := wire.DecodeFields(raw)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", f.Num, err)
		}
	}
	return nil
}

// sub decodes a nested message field with fn.
func sub(f wire.Field, fn func(wire.Field) error) error {
	raw, err := f.Raw()
	if err != nil {
		return err
	}
	return eachField(raw, fn)
}

func u32(f wire.Field, dst *uint32) error {
	v, err := f.Uint()
	*dst = uint32(v)
	return err
}

func str(f wire.Field, dst *string) error {
	v, err := f.String()
	*dst = v
	return err
}

func boolean(f wire.Field, dst *bool) error {
	v, err := f.Bool()
	*dst = v
	return err
}

func strs(f wire.Field, dst *[]string) error {
	v, err := f.String()
	*dst = append(*dst, v)
	return err
}
