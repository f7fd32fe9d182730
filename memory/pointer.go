package memory

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// PointerMakerForX86_32 returns a PointerMaker for 32-bit x86.
func PointerMakerForX86_32() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   4,
	}
}

// PointerMakerForX86_64 returns a PointerMaker for 64-bit x86.
func PointerMakerForX86_64() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   8,
	}
}

// PointerMakerForOrExit calls PointerMakerFor. It calls DefaultExitFn
// if an error occurs.
func PointerMakerForOrExit(endianness binary.ByteOrder, pointerSize int) PointerMaker {
	pm, err := PointerMakerFor(endianness, pointerSize)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create pointer maker - %w", err))
	}

	return pm
}

// PointerMakerFor returns a PointerMaker for a platform with the
// specified endianness and pointer size in bytes.
func PointerMakerFor(endianness binary.ByteOrder, pointerSize int) (PointerMaker, error) {
	if endianness == nil {
		return PointerMaker{}, fmt.Errorf("endianness cannot be nil")
	}

	switch pointerSize {
	case 2, 4, 8:
		// OK.
	default:
		return PointerMaker{}, fmt.Errorf("unsupported pointer size: %d", pointerSize)
	}

	return PointerMaker{
		byteOrder: endianness,
		ptrSize:   pointerSize,
	}, nil
}

// PointerMaker creates Pointer values for a particular platform.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// Size returns the size of a pointer in bytes.
func (o PointerMaker) Size() int {
	return o.ptrSize
}

// ByteOrder returns the platform's byte order.
func (o PointerMaker) ByteOrder() binary.ByteOrder {
	return o.byteOrder
}

// FromUint creates a Pointer from an address. Bits that do not
// fit in the platform's pointer size are discarded.
func (o PointerMaker) FromUint(address uint64) Pointer {
	out := make([]byte, o.ptrSize)

	switch o.ptrSize {
	case 2:
		o.byteOrder.PutUint16(out, uint16(address))
	case 4:
		o.byteOrder.PutUint32(out, uint32(address))
	case 8:
		o.byteOrder.PutUint64(out, address)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.ptrSize))
	}

	return Pointer{
		b:  out,
		bo: o.byteOrder,
	}
}

// FromBytes creates a Pointer from raw memory, such as bytes
// returned by an information leak.
func (o PointerMaker) FromBytes(b []byte) (Pointer, error) {
	if len(b) != o.ptrSize {
		return Pointer{}, fmt.Errorf("expected %d bytes - got %d", o.ptrSize, len(b))
	}

	cp := make([]byte, o.ptrSize)
	copy(cp, b)

	return Pointer{
		b:  cp,
		bo: o.byteOrder,
	}, nil
}

// ParseUint parses an address string using strconv.ParseUint. A base
// of zero accepts "0x", "0o" and "0b" prefixes like strtoul(3).
func (o PointerMaker) ParseUint(str string, base int) (Pointer, error) {
	address, err := strconv.ParseUint(str, base, o.ptrSize*8)
	if err != nil {
		return Pointer{}, err
	}

	return o.FromUint(address), nil
}

// ParseUintOrExit calls ParseUint. It calls DefaultExitFn if an
// error occurs.
func (o PointerMaker) ParseUintOrExit(str string, base int) Pointer {
	p, err := o.ParseUint(str, base)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse %q as a pointer - %w", str, err))
	}

	return p
}

// FromHexString calls FromHexBytes.
func (o PointerMaker) FromHexString(hexStr string, sourceEndianness binary.ByteOrder) (Pointer, error) {
	return o.FromHexBytes([]byte(hexStr), sourceEndianness)
}

// FromHexBytes decodes a hex-encoded address whose bytes are in
// sourceEndianness order. Short strings are zero-extended.
func (o PointerMaker) FromHexBytes(hexBytes []byte, sourceEndianness binary.ByteOrder) (Pointer, error) {
	hexBytesNoPrefix := bytes.TrimPrefix(hexBytes, []byte("0x"))

	hexStrLen := len(hexBytesNoPrefix)
	if hexStrLen == 0 {
		return Pointer{}, fmt.Errorf("hex string cannot be zero-length")
	}

	maxLen := o.ptrSize * 2
	if hexStrLen > maxLen {
		return Pointer{}, fmt.Errorf("hex string cannot be longer than %d chars - it is %d chars long",
			maxLen, hexStrLen)
	}

	numZeros := maxLen - hexStrLen
	if numZeros > 0 {
		zeros := bytes.Repeat([]byte("0"), numZeros)
		if sourceEndianness.String() == binary.LittleEndian.String() {
			hexBytesNoPrefix = append(hexBytesNoPrefix, zeros...)
		} else {
			hexBytesNoPrefix = append(zeros, hexBytesNoPrefix...)
		}
	}

	decoded := make([]byte, o.ptrSize)
	_, err := hex.Decode(decoded, hexBytesNoPrefix)
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to hex decode data - %w", err)
	}

	if sourceEndianness.String() != o.byteOrder.String() {
		for i := 0; i < o.ptrSize/2; i++ {
			decoded[i], decoded[o.ptrSize-1-i] = decoded[o.ptrSize-1-i], decoded[i]
		}
	}

	return Pointer{
		b:  decoded,
		bo: o.byteOrder,
	}, nil
}

// Pointer is an address encoded for a target platform.
type Pointer struct {
	b  []byte
	bo binary.ByteOrder
}

// Bytes returns the pointer as it would appear in memory.
func (o Pointer) Bytes() []byte {
	return o.b
}

// Uint returns the pointer's address.
func (o Pointer) Uint() uint64 {
	switch len(o.b) {
	case 2:
		return uint64(o.bo.Uint16(o.b))
	case 4:
		return uint64(o.bo.Uint32(o.b))
	case 8:
		return o.bo.Uint64(o.b)
	default:
		return 0
	}
}

// HexString returns the pointer's address as a "0x"-prefixed
// hex string.
func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%x", o.Uint())
}
