package heapsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// UserBase is the default base address for user-space heaps.
	UserBase Addr = 0x55555555a000

	// KernelBase is the default base address for kernel heaps
	// (the start of the x86-64 direct map).
	KernelBase Addr = 0xffff888000000000

	// DefaultLimit is the default maximum number of mapped bytes.
	DefaultLimit = 64 << 20

	// DefaultGrowSize is the minimum number of bytes mapped each time
	// the heap runs out of space.
	DefaultGrowSize = 64 << 10

	// PoisonByte is written over freed chunks when Config.Poison is set.
	PoisonByte = 0xde

	linkSize = 8
	align    = 8
)

var (
	// ErrSegfault is returned when an access falls outside of
	// the mapped region.
	ErrSegfault = errors.New("segmentation fault")

	// ErrOutOfMemory is returned when an allocation would exceed
	// the heap's limit.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidPointer is returned when freeing an address that
	// is not the start of a chunk.
	ErrInvalidPointer = errors.New("free(): invalid pointer")

	// ErrDoubleFree is returned when freeing a chunk that is
	// already free.
	ErrDoubleFree = errors.New("free(): double free detected")

	// ErrInvalidSize is returned for allocations of zero or
	// negative size.
	ErrInvalidSize = errors.New("invalid allocation size")
)

// Addr is a simulated memory address.
type Addr uint64

func (o Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(o))
}

// SizeClassFn maps a requested allocation size to the size of
// the chunk that will hold it.
type SizeClassFn func(n int) int

// GlibcSizeClass rounds n up to a multiple of 16 with a minimum
// of 32 bytes.
func GlibcSizeClass(n int) int {
	if n > math.MaxInt-15 {
		return n
	}

	c := (n + 15) &^ 15
	if c < 32 {
		return 32
	}
	return c
}

// KmallocSizeClass rounds n up to the next power of two with
// a minimum of 8 bytes.
func KmallocSizeClass(n int) int {
	c := 8
	for c < n {
		if c > math.MaxInt/2 {
			return n
		}
		c <<= 1
	}
	return c
}

// Config configures a Heap. The zero value is usable.
type Config struct {
	// Base is the address of the first mapped byte.
	// UserBase is used if zero.
	Base Addr

	// Limit is the maximum number of bytes that may be mapped.
	// DefaultLimit is used if zero or negative.
	Limit int

	// GrowSize is the minimum number of bytes to map when the
	// heap needs more space. DefaultGrowSize is used if zero.
	GrowSize int

	// SizeClass maps request sizes to chunk sizes.
	// GlibcSizeClass is used if nil.
	SizeClass SizeClassFn

	// Poison fills freed chunks with PoisonByte before the
	// free list link is written.
	Poison bool

	// ByteOrder is used for pointer-sized reads and writes.
	// Little endian is used if nil.
	ByteOrder binary.ByteOrder
}

// New creates a new Heap.
func New(config Config) *Heap {
	if config.Base == 0 {
		config.Base = UserBase
	}

	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}

	if config.GrowSize <= 0 {
		config.GrowSize = DefaultGrowSize
	}

	if config.SizeClass == nil {
		config.SizeClass = GlibcSizeClass
	}

	if config.ByteOrder == nil {
		config.ByteOrder = binary.LittleEndian
	}

	return &Heap{
		config: config,
		chunks: make(map[Addr]*chunk),
		bins:   make(map[int][]Addr),
	}
}

// Heap is a simulated heap. It is safe for concurrent use.
type Heap struct {
	mu     sync.Mutex
	config Config
	mem    []byte
	top    int
	chunks map[Addr]*chunk
	bins   map[int][]Addr
	stats  Stats
}

type chunk struct {
	class int
	size  int
	free  bool
}

// ChunkInfo describes a chunk.
type ChunkInfo struct {
	Addr  Addr
	Class int
	Size  int
	Free  bool
}

// Malloc allocates a chunk that can hold n bytes. The chunk's
// contents are not cleared.
func (o *Heap) Malloc(n int) (Addr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.malloc(n)
}

// Calloc allocates a zeroed chunk that can hold n bytes.
func (o *Heap) Calloc(n int) (Addr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	addr, err := o.malloc(n)
	if err != nil {
		return 0, err
	}

	c := o.chunks[addr]
	clear(o.slice(addr, c.class))

	return addr, nil
}

func (o *Heap) malloc(n int) (Addr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("malloc(%d) - %w", n, ErrInvalidSize)
	}

	if n > o.config.Limit {
		return 0, fmt.Errorf("malloc(%d) - %w", n, ErrOutOfMemory)
	}

	class := o.config.SizeClass(n)

	bin := o.bins[class]
	if len(bin) > 0 {
		addr := bin[len(bin)-1]
		o.bins[class] = bin[:len(bin)-1]

		c := o.chunks[addr]
		c.free = false
		c.size = n

		o.stats.Live++
		o.stats.Free--
		o.stats.InUse += class
		o.stats.Allocs++
		o.stats.Reused++

		return addr, nil
	}

	start := alignUp(o.top)
	if start+class > len(o.mem) {
		err := o.grow(start + class - len(o.mem))
		if err != nil {
			return 0, fmt.Errorf("malloc(%d) - %w", n, err)
		}
	}

	o.top = start + class

	addr := o.config.Base + Addr(start)
	o.chunks[addr] = &chunk{
		class: class,
		size:  n,
	}

	o.stats.Live++
	o.stats.InUse += class
	o.stats.Allocs++

	return addr, nil
}

func (o *Heap) grow(min int) error {
	remaining := o.config.Limit - len(o.mem)
	if min > remaining {
		return ErrOutOfMemory
	}

	size := o.config.GrowSize
	if min > size {
		size = min
	}

	if size > remaining {
		size = remaining
	}

	o.mem = append(o.mem, make([]byte, size)...)
	o.stats.Mapped = len(o.mem)

	return nil
}

// Free releases the chunk at addr. The chunk's memory stays mapped
// and its first eight bytes are overwritten with the address of the
// next free chunk of the same class (or zero).
func (o *Heap) Free(addr Addr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, hasIt := o.chunks[addr]
	if !hasIt {
		return fmt.Errorf("free(%s) - %w", addr, ErrInvalidPointer)
	}

	if c.free {
		return fmt.Errorf("free(%s) - %w", addr, ErrDoubleFree)
	}

	mem := o.slice(addr, c.class)

	if o.config.Poison {
		for i := range mem {
			mem[i] = PoisonByte
		}
	}

	var next Addr
	bin := o.bins[c.class]
	if len(bin) > 0 {
		next = bin[len(bin)-1]
	}

	if len(mem) >= linkSize {
		o.config.ByteOrder.PutUint64(mem, uint64(next))
	}

	o.bins[c.class] = append(bin, addr)
	c.free = true

	o.stats.Live--
	o.stats.Free++
	o.stats.InUse -= c.class
	o.stats.Frees++

	return nil
}

// Read returns a copy of n bytes starting at addr.
func (o *Heap) Read(addr Addr, n int) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.mapped(addr, n) {
		return nil, fmt.Errorf("read of %d bytes at %s - %w", n, addr, ErrSegfault)
	}

	b := make([]byte, n)
	copy(b, o.slice(addr, n))

	return b, nil
}

// Write copies b to memory starting at addr.
func (o *Heap) Write(addr Addr, b []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.mapped(addr, len(b)) {
		return fmt.Errorf("write of %d bytes at %s - %w", len(b), addr, ErrSegfault)
	}

	copy(o.slice(addr, len(b)), b)

	return nil
}

// ReadUint64 reads a pointer-sized value at addr.
func (o *Heap) ReadUint64(addr Addr) (uint64, error) {
	b, err := o.Read(addr, 8)
	if err != nil {
		return 0, err
	}

	return o.config.ByteOrder.Uint64(b), nil
}

// WriteUint64 writes a pointer-sized value at addr.
func (o *Heap) WriteUint64(addr Addr, v uint64) error {
	b := make([]byte, 8)
	o.config.ByteOrder.PutUint64(b, v)

	return o.Write(addr, b)
}

// ByteOrder returns the heap's byte order.
func (o *Heap) ByteOrder() binary.ByteOrder {
	return o.config.ByteOrder
}

// SizeClass returns the chunk size used for an n-byte request.
func (o *Heap) SizeClass(n int) int {
	return o.config.SizeClass(n)
}

// Chunk returns information about the chunk starting at addr.
func (o *Heap) Chunk(addr Addr) (ChunkInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, hasIt := o.chunks[addr]
	if !hasIt {
		return ChunkInfo{}, false
	}

	return ChunkInfo{
		Addr:  addr,
		Class: c.class,
		Size:  c.size,
		Free:  c.free,
	}, true
}

// Mapped reports whether the n bytes starting at addr are mapped.
func (o *Heap) Mapped(addr Addr, n int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.mapped(addr, n)
}

func (o *Heap) mapped(addr Addr, n int) bool {
	if n < 0 || addr < o.config.Base {
		return false
	}

	off := uint64(addr - o.config.Base)

	return off <= uint64(len(o.mem)) && uint64(n) <= uint64(len(o.mem))-off
}

func (o *Heap) slice(addr Addr, n int) []byte {
	off := int(addr - o.config.Base)
	return o.mem[off : off+n]
}

func alignUp(off int) int {
	return (off + align - 1) &^ (align - 1)
}
