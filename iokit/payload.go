package iokit

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewPayloadBuilder instantiates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{
		buf: bytes.NewBuffer(nil),
	}
}

// PayloadBuilder helps build payloads and other binary sequences
// by implementing the "builder pattern".
//
// For methods that take endianness as an optional argument,
// the default is little endian. The default endianness can
// be overridden using SetEndianness.
type PayloadBuilder struct {
	buf *bytes.Buffer
	bo  binary.ByteOrder
	err error
}

// SetEndianness sets the default endianness for the methods that take
// endianness as an optional argument.
func (o *PayloadBuilder) SetEndianness(order binary.ByteOrder) *PayloadBuilder {
	o.bo = order

	return o
}

func (o *PayloadBuilder) getEndianness(optOrder ...binary.ByteOrder) binary.ByteOrder {
	switch len(optOrder) {
	case 0:
		if o.bo == nil {
			return binary.LittleEndian
		}
		return o.bo
	case 1:
		return optOrder[0]
	default:
		panic("only one binary.ByteOrder may be specified")
	}
}

// Uint32 writes an unsigned 32-bit integer to the payload.
// The endianness can be specified by the optOrder argument.
// If the optOrder argument is unspecified, the default
// endianness set by SetEndianness will be used.
func (o *PayloadBuilder) Uint32(u uint32, optOrder ...binary.ByteOrder) *PayloadBuilder {
	b := make([]byte, 4)

	o.getEndianness(optOrder...).PutUint32(b, u)

	return o.Bytes(b)
}

// Uint64 writes an unsigned 64-bit integer to the payload.
// The endianness can be specified by the optOrder argument.
// If the optOrder argument is unspecified, the default
// endianness set by SetEndianness will be used.
func (o *PayloadBuilder) Uint64(u uint64, optOrder ...binary.ByteOrder) *PayloadBuilder {
	b := make([]byte, 8)

	o.getEndianness(optOrder...).PutUint64(b, u)

	return o.Bytes(b)
}

// PatternGenerator abstracts pattern string generators.
type PatternGenerator interface {
	// Pattern generates a pattern string as a []byte. Each byte
	// in the slice is a human-readable character.
	Pattern(numBytes int) ([]byte, error)
}

// Pattern writes the specified number of bytes from the PatternGenerator
// to the payload.
func (o *PayloadBuilder) Pattern(generator PatternGenerator, numBytes int) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	b, err := generator.Pattern(numBytes)
	if err != nil {
		o.err = err
		return o
	}

	return o.Bytes(b)
}

// Byter abstracts types that can be represented as a []byte.
type Byter interface {
	// Bytes returns the object as a []byte.
	Bytes() []byte
}

// Pointer writes a raw pointer as a []byte to the payload.
func (o *PayloadBuilder) Pointer(pointer Byter) *PayloadBuilder {
	return o.Bytes(pointer.Bytes())
}

// Bytes writes the specified []byte to the payload.
func (o *PayloadBuilder) Bytes(b []byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	_, o.err = o.buf.Write(b)

	return o
}

// Byte writes the specified byte to the payload.
func (o *PayloadBuilder) Byte(b byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	o.err = o.buf.WriteByte(b)

	return o
}

// String writes the specified string to the payload.
func (o *PayloadBuilder) String(str string) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	_, o.err = o.buf.WriteString(str)

	return o
}

// RepeatString repeatedly writes the specified string to the payload.
func (o *PayloadBuilder) RepeatString(str string, count int) *PayloadBuilder {
	return o.RepeatBytes([]byte(str), count)
}

// RepeatBytes repeatedly writes the specified []byte to the payload.
func (o *PayloadBuilder) RepeatBytes(b []byte, count int) *PayloadBuilder {
	if count < 0 {
		o.err = fmt.Errorf("repeat count cannot be negative (%d)", count)
		return o
	}

	return o.Bytes(bytes.Repeat(b, count))
}

// PadTo appends the fill byte until the payload is n bytes long.
// It fails if the payload is already longer than n.
func (o *PayloadBuilder) PadTo(n int, fill byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	if o.buf.Len() > n {
		o.err = fmt.Errorf("cannot pad payload to %d bytes - it is already %d bytes",
			n, o.buf.Len())
		return o
	}

	return o.Bytes(bytes.Repeat([]byte{fill}, n-o.buf.Len()))
}

// TrimEnd trims the last n bytes from the payload.
func (o *PayloadBuilder) TrimEnd(n int) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	if n > o.buf.Len() {
		n = o.buf.Len()
	}

	o.buf.Truncate(o.buf.Len() - n)

	return o
}

// Len returns the current length of the payload.
func (o *PayloadBuilder) Len() int {
	return o.buf.Len()
}

// Result returns the payload, or the first error encountered
// while building it.
func (o *PayloadBuilder) Result() ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}

	return o.buf.Bytes(), nil
}

// Build returns the payload as a []byte. It calls DefaultExitFn
// if an error occurred while building the payload.
func (o *PayloadBuilder) Build() []byte {
	b, err := o.Result()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to build payload - %w", err))
	}

	return b
}
