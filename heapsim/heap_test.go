package heapsim

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestHeap_Malloc_ReusesLastFreedChunk(t *testing.T) {
	h := New(Config{})

	a, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Free(a)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Free(b)
	if err != nil {
		t.Fatal(err)
	}

	first, err := h.Malloc(30)
	if err != nil {
		t.Fatal(err)
	}

	if first != b {
		t.Fatalf("expected %s - got %s", b, first)
	}

	second, err := h.Malloc(17)
	if err != nil {
		t.Fatal(err)
	}

	if second != a {
		t.Fatalf("expected %s - got %s", a, second)
	}

	stats := h.Stats()
	if stats.Reused != 2 {
		t.Fatalf("expected 2 reused allocations - got %d", stats.Reused)
	}
}

func TestHeap_Malloc_DifferentClassesDoNotShare(t *testing.T) {
	h := New(Config{})

	small, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Free(small)
	if err != nil {
		t.Fatal(err)
	}

	big, err := h.Malloc(0x100)
	if err != nil {
		t.Fatal(err)
	}

	if big == small {
		t.Fatalf("chunk of class %d was reused for class %d",
			GlibcSizeClass(24), GlibcSizeClass(0x100))
	}
}

func TestHeap_Free_WritesFreeListLink(t *testing.T) {
	h := New(Config{})

	a, _ := h.Malloc(24)
	b, _ := h.Malloc(24)

	err := h.WriteUint64(a, 0x4141414141414141)
	if err != nil {
		t.Fatal(err)
	}

	_ = h.Free(a)

	link, err := h.ReadUint64(a)
	if err != nil {
		t.Fatal(err)
	}

	if link != 0 {
		t.Fatalf("expected empty link - got 0x%x", link)
	}

	_ = h.Free(b)

	link, err = h.ReadUint64(b)
	if err != nil {
		t.Fatal(err)
	}

	if Addr(link) != a {
		t.Fatalf("expected link to %s - got 0x%x", a, link)
	}
}

func TestHeap_Free_Errors(t *testing.T) {
	h := New(Config{})

	a, _ := h.Malloc(64)

	err := h.Free(a + 8)
	if !errors.Is(err, ErrInvalidPointer) {
		t.Fatalf("expected %v - got %v", ErrInvalidPointer, err)
	}

	err = h.Free(a)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Free(a)
	if !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("expected %v - got %v", ErrDoubleFree, err)
	}
}

func TestHeap_FreedMemoryStaysAccessible(t *testing.T) {
	h := New(Config{})

	a, _ := h.Malloc(64)
	_ = h.Free(a)

	err := h.Write(a+16, []byte("stale"))
	if err != nil {
		t.Fatalf("write to freed chunk failed - %s", err)
	}

	b, err := h.Read(a+16, 5)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != "stale" {
		t.Fatalf("expected 'stale' - got %q", b)
	}
}

func TestHeap_Segfault(t *testing.T) {
	h := New(Config{GrowSize: 64})

	_, err := h.Read(0, 8)
	if !errors.Is(err, ErrSegfault) {
		t.Fatalf("expected %v - got %v", ErrSegfault, err)
	}

	_, err = h.Read(UserBase, 1)
	if !errors.Is(err, ErrSegfault) {
		t.Fatalf("expected %v for read of an empty heap - got %v", ErrSegfault, err)
	}

	a, _ := h.Malloc(32)

	err = h.Write(a+60, []byte("12345"))
	if !errors.Is(err, ErrSegfault) {
		t.Fatalf("expected %v - got %v", ErrSegfault, err)
	}
}

func TestHeap_Limit(t *testing.T) {
	h := New(Config{Limit: 256, GrowSize: 64})

	for i := 0; i < 4; i++ {
		_, err := h.Malloc(64)
		if err != nil {
			t.Fatalf("allocation %d failed - %s", i, err)
		}
	}

	_, err := h.Malloc(64)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected %v - got %v", ErrOutOfMemory, err)
	}
}

func TestHeap_Calloc(t *testing.T) {
	h := New(Config{})

	a, _ := h.Malloc(32)
	_ = h.Write(a, bytes.Repeat([]byte{0x41}, 32))
	_ = h.Free(a)

	b, err := h.Calloc(32)
	if err != nil {
		t.Fatal(err)
	}

	if b != a {
		t.Fatalf("expected reuse of %s - got %s", a, b)
	}

	mem, _ := h.Read(b, 32)
	if !bytes.Equal(mem, make([]byte, 32)) {
		t.Fatalf("expected zeroed chunk - got 0x%x", mem)
	}
}

func TestHeap_Poison(t *testing.T) {
	h := New(Config{Poison: true})

	a, _ := h.Malloc(32)
	_ = h.Free(a)

	mem, _ := h.Read(a+8, 24)
	if !bytes.Equal(mem, bytes.Repeat([]byte{PoisonByte}, 24)) {
		t.Fatalf("expected poisoned chunk - got 0x%x", mem)
	}
}

func TestKmallocSizeClass(t *testing.T) {
	for n, exp := range map[int]int{1: 8, 8: 8, 9: 16, 0x30: 64, 0x100: 256, 0x101: 512} {
		got := KmallocSizeClass(n)
		if got != exp {
			t.Fatalf("expected class %d for %d - got %d", exp, n, got)
		}
	}
}

func TestHeap_Malloc_HugeSizes(t *testing.T) {
	for _, sizeClass := range []SizeClassFn{GlibcSizeClass, KmallocSizeClass} {
		h := New(Config{SizeClass: sizeClass})

		for _, n := range []int{DefaultLimit + 1, math.MaxInt/2 + 2, math.MaxInt - 5, math.MaxInt} {
			addr, err := h.Malloc(n)
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("expected %v for malloc(%d) - got %s, %v", ErrOutOfMemory, n, addr, err)
			}
		}

		stats := h.Stats()
		if stats.Allocs != 0 {
			t.Fatalf("expected no allocations - got %d", stats.Allocs)
		}
	}
}

func TestSizeClass_DoesNotWrap(t *testing.T) {
	for _, n := range []int{math.MaxInt/2 + 2, math.MaxInt - 5, math.MaxInt} {
		got := GlibcSizeClass(n)
		if got < n {
			t.Fatalf("expected glibc class >= %d - got %d", n, got)
		}

		got = KmallocSizeClass(n)
		if got < n {
			t.Fatalf("expected kmalloc class >= %d - got %d", n, got)
		}
	}
}
