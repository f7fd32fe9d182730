package bstruct

import (
	"encoding/binary"
	"testing"
)

func TestFromBytes_Short(t *testing.T) {
	type twoWords struct {
		A uint32
		B uint32
	}

	var v twoWords
	_, err := FromBytes([]byte{1, 2, 3}, binary.LittleEndian, &v)
	if err == nil {
		t.Fatal("expected decoding a short buffer to fail")
	}
}

func TestToBytes_UnsupportedType(t *testing.T) {
	type bad struct {
		S string
	}

	_, err := ToBytes(bad{S: "x"}, binary.LittleEndian, nil)
	if err == nil {
		t.Fatal("expected string fields to be rejected")
	}
}

func TestSize(t *testing.T) {
	type glow struct {
		Pad [0x20]byte
		Fn  uint64
		Arg uint64
	}

	size, err := Size(glow{})
	if err != nil {
		t.Fatal(err)
	}

	if size != 0x30 {
		t.Fatalf("expected 0x30 - got 0x%x", size)
	}
}
