package memory

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPointerMakerForX86_32_FromUint(t *testing.T) {
	pm := PointerMakerForX86_32()
	pointer := pm.FromUint(0xdeadbeef)
	exp := []byte{0xef, 0xbe, 0xad, 0xde}
	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}
}

func TestPointerMakerForX86_32_FromHexBytes(t *testing.T) {
	exp := []byte{0xef, 0xbe, 0xad, 0x00}

	pm := PointerMakerForX86_32()
	pointer, err := pm.FromHexBytes([]byte("0xadbeef"), binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}

	pointer, err = pm.FromHexBytes([]byte("0xefbead"), binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}
}

func TestPointerMakerForX86_64_FromUint(t *testing.T) {
	pm := PointerMakerForX86_64()
	pointer := pm.FromUint(0x00000000deadbeef)
	exp := []byte{0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}
}

func TestPointerMaker_FromBytes(t *testing.T) {
	pm := PointerMakerForX86_64()

	pointer, err := pm.FromBytes([]byte{0x96, 0x11, 0x40, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}

	if pointer.Uint() != 0x401196 {
		t.Fatalf("expected 0x401196 - got %s", pointer.HexString())
	}

	_, err = pm.FromBytes([]byte{0x96, 0x11, 0x40})
	if err == nil {
		t.Fatal("expected short input to fail")
	}
}

func TestPointerMaker_ParseUint(t *testing.T) {
	pm := PointerMakerForX86_64()

	pointer, err := pm.ParseUint("0xffffffff810c9a10", 0)
	if err != nil {
		t.Fatal(err)
	}

	if pointer.HexString() != "0xffffffff810c9a10" {
		t.Fatalf("expected 0xffffffff810c9a10 - got %s", pointer.HexString())
	}

	_, err = PointerMakerForX86_32().ParseUint("0x100000000", 0)
	if err == nil {
		t.Fatal("expected out of range address to fail for x86_32")
	}
}

func TestPointer_Uint(t *testing.T) {
	pm := PointerMakerForX86_64()
	pointer, err := pm.FromHexBytes([]byte("0x00000000deadbeef"), binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}

	address := pointer.Uint()
	if address != 0xdeadbeef {
		t.Fatalf("expected 0xdeadbeef - got %x", address)
	}
}
