package choir

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gitlab.com/stephen-fox/uafkit/heapsim"
)

const (
	// Capacity is the number of slots in an Arena.
	Capacity = 128

	// PayloadSize is the capacity of a new object's payload.
	PayloadSize = 0x100

	// Object layout: callback | buf | len.
	ObjectSize     = 24
	CallbackOffset = 0
	BufOffset      = 8
	LenOffset      = 16

	MaxSprayChunk = 1 << 20
	MaxSprayCount = 1 << 16

	// MaxSecretSize is the most ReadSecret will return.
	MaxSecretSize = 512

	// MaxPayloadRead caps ReadPayload when a stale object's
	// length field has been overwritten.
	MaxPayloadRead = 0x1000

	DefaultSecretPath = "/flag.txt"
)

// ErrHeapCorruption is returned when an operation makes the
// allocator abort, such as a double free. It ends the session.
var ErrHeapCorruption = errors.New("heap corruption")

// SlotState is the state of a slot. A slot never returns to
// SlotEmpty once it has been used.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotLive
	SlotStale
)

func (o SlotState) String() string {
	switch o {
	case SlotEmpty:
		return "empty"
	case SlotLive:
		return "live"
	case SlotStale:
		return "stale"
	default:
		return fmt.Sprintf("unknown-%d", int(o))
	}
}

// ArenaConfig configures an Arena.
type ArenaConfig struct {
	// SecretPath is the file disclosed by ReadSecret.
	// DefaultSecretPath is used if empty.
	SecretPath string

	// HeapLimit is the maximum number of bytes the session's
	// heap may map. heapsim.DefaultLimit is used if zero.
	HeapLimit int

	// Poison fills freed chunks with heapsim.PoisonByte.
	Poison bool

	// OptLogger receives crash reports and gate events.
	OptLogger *log.Logger

	// OptName prefixes log messages.
	OptName string
}

// Leak is the body of a Leak response.
type Leak struct {
	GiveRoot  uint64
	ChoirSing uint64
}

type slot struct {
	state SlotState
	obj   heapsim.Addr
}

// NewArena creates an Arena with its own heap.
func NewArena(config ArenaConfig) *Arena {
	if config.SecretPath == "" {
		config.SecretPath = DefaultSecretPath
	}

	if config.OptLogger == nil {
		config.OptLogger = log.New(io.Discard, "", 0)
	}

	return &Arena{
		config: config,
		heap: heapsim.New(heapsim.Config{
			Limit:  config.HeapLimit,
			Poison: config.Poison,
		}),
		procs: procedures,
	}
}

// Arena is one session's slot table, spray pool and gate.
// It is not safe for concurrent use.
type Arena struct {
	config  ArenaConfig
	heap    *heapsim.Heap
	procs   *procedureTable
	slots   [Capacity]slot
	spray   []heapsim.Addr
	gate    bool
	crashes int
}

// Create installs a new object in the slot at index. The object's
// callback is choir_sing and its payload is PayloadSize zero bytes.
func (o *Arena) Create(index uint32) error {
	if index >= Capacity {
		return errBadIndex()
	}

	if o.slots[index].state != SlotEmpty {
		return errBusy()
	}

	obj, err := o.heap.Malloc(ObjectSize)
	if err != nil {
		return errOutOfMemory()
	}

	buf, err := o.heap.Calloc(PayloadSize)
	if err != nil {
		_ = o.heap.Free(obj)
		return errOutOfMemory()
	}

	sing := o.procs.text.AddressOrExit(ChoirSing)

	for _, field := range []struct {
		off uint64
		val uint64
	}{
		{CallbackOffset, sing},
		{BufOffset, uint64(buf)},
		{LenOffset, PayloadSize},
	} {
		err = o.heap.WriteUint64(obj+heapsim.Addr(field.off), field.val)
		if err != nil {
			return fmt.Errorf("failed to initialize object at %s - %w", obj, err)
		}
	}

	o.slots[index] = slot{
		state: SlotLive,
		obj:   obj,
	}

	return nil
}

// Free releases the object in the slot at index and its payload.
// The slot keeps referencing the released object. Freeing a stale
// slot frees whatever the stale object's fields now name, which
// usually aborts the session with ErrHeapCorruption.
func (o *Arena) Free(index uint32) error {
	s, err := o.occupied(index)
	if err != nil {
		return err
	}

	buf, err := o.heap.ReadUint64(s.obj + BufOffset)
	if err != nil {
		return fmt.Errorf("%w: failed to read buf of %s - %w", ErrHeapCorruption, s.obj, err)
	}

	if buf != 0 {
		err = o.heap.Free(heapsim.Addr(buf))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHeapCorruption, err)
		}
	}

	err = o.heap.Free(s.obj)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHeapCorruption, err)
	}

	o.slots[index].state = SlotStale

	return nil
}

// SetPayload copies up to length bytes of data into the payload
// of the (possibly stale) object at index. The copy is clamped to
// the object's length field and to len(data).
func (o *Arena) SetPayload(index uint32, length uint32, data []byte) error {
	s, err := o.occupied(index)
	if err != nil {
		return err
	}

	buf, capacity, err := o.payload(s.obj)
	if err != nil {
		return err
	}

	n := uint64(length)
	if n > capacity {
		n = capacity
	}

	if n > uint64(len(data)) {
		n = uint64(len(data))
	}

	if n == 0 {
		return nil
	}

	err = o.heap.Write(buf, data[:n])
	if err != nil {
		o.config.OptLogger.Printf("%ssegfault in SetPayload(%d): %s", o.prefix(), index, err)
		o.crashes++
		return errSegfault()
	}

	return nil
}

// ReadPayload returns the payload of the (possibly stale) object at
// index. The length is taken from the object's length field, capped
// at MaxPayloadRead.
func (o *Arena) ReadPayload(index uint32) ([]byte, error) {
	s, err := o.occupied(index)
	if err != nil {
		return nil, err
	}

	buf, n, err := o.payload(s.obj)
	if err != nil {
		return nil, err
	}

	if n > MaxPayloadRead {
		n = MaxPayloadRead
	}

	b, err := o.heap.Read(buf, int(n))
	if err != nil {
		o.config.OptLogger.Printf("%ssegfault in ReadPayload(%d): %s", o.prefix(), index, err)
		o.crashes++
		return nil, errSegfault()
	}

	return b, nil
}

// payload reads the buf and len fields of obj. A null buf
// is reported as dangling.
func (o *Arena) payload(obj heapsim.Addr) (heapsim.Addr, uint64, error) {
	buf, err := o.heap.ReadUint64(obj + BufOffset)
	if err != nil {
		return 0, 0, errSegfault()
	}

	if buf == 0 {
		return 0, 0, errDangling()
	}

	n, err := o.heap.ReadUint64(obj + LenOffset)
	if err != nil {
		return 0, 0, errSegfault()
	}

	return heapsim.Addr(buf), n, nil
}

// Trigger calls the procedure named by the callback field of the
// (possibly stale) object at index. An address that is not the
// start of a known procedure is a simulated segfault: a crash
// report is logged and StatusDangling is returned.
func (o *Arena) Trigger(index uint32) error {
	s, err := o.occupied(index)
	if err != nil {
		return err
	}

	cb, err := o.heap.ReadUint64(s.obj + CallbackOffset)
	if err != nil {
		return errSegfault()
	}

	fn, ok := o.procs.lookup(cb)
	if !ok {
		o.crashes++
		o.config.OptLogger.Print(o.crashReport(index, s.obj, cb))
		return errSegfault()
	}

	fn(o, s.obj)

	return nil
}

// Spray allocates count chunks of chunkSize bytes, each a copy of
// fill. The chunks are never freed. Running out of memory part way
// through is not a StatusError and ends the session.
func (o *Arena) Spray(chunkSize uint32, count uint32, fill []byte) error {
	if chunkSize == 0 || chunkSize > MaxSprayChunk || count > MaxSprayCount {
		return errOutOfBounds()
	}

	if uint64(len(fill)) != uint64(chunkSize) {
		return errBadArgs()
	}

	for i := uint32(0); i < count; i++ {
		chunk, err := o.heap.Malloc(int(chunkSize))
		if err != nil {
			return fmt.Errorf("spray allocation %d of %d failed - %w", i+1, count, err)
		}

		err = o.heap.Write(chunk, fill)
		if err != nil {
			return fmt.Errorf("failed to fill spray chunk at %s - %w", chunk, err)
		}

		o.spray = append(o.spray, chunk)
	}

	return nil
}

// Leak returns the addresses of give_root and choir_sing.
func (o *Arena) Leak() Leak {
	return Leak{
		GiveRoot:  o.procs.text.AddressOrExit(GiveRoot),
		ChoirSing: o.procs.text.AddressOrExit(ChoirSing),
	}
}

// ReadSecret returns up to MaxSecretSize bytes of the secret file.
// The file is not opened unless the gate is open.
func (o *Arena) ReadSecret() ([]byte, error) {
	if !o.gate {
		return nil, errPermissionDenied()
	}

	f, err := os.Open(o.config.SecretPath)
	if err != nil {
		return nil, errNotFound()
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, MaxSecretSize))
	if err != nil {
		return nil, errNotFound()
	}

	return b, nil
}

// State returns the state of the slot at index.
func (o *Arena) State(index uint32) SlotState {
	if index >= Capacity {
		return SlotEmpty
	}

	return o.slots[index].state
}

// ObjectAddr returns the address referenced by the slot at index.
func (o *Arena) ObjectAddr(index uint32) (heapsim.Addr, bool) {
	if index >= Capacity || o.slots[index].state == SlotEmpty {
		return 0, false
	}

	return o.slots[index].obj, true
}

// GateOpen reports whether give_root has run in this arena.
func (o *Arena) GateOpen() bool {
	return o.gate
}

// SprayCount returns the number of chunks in the spray pool.
func (o *Arena) SprayCount() int {
	return len(o.spray)
}

// Crashes returns the number of simulated segfaults.
func (o *Arena) Crashes() int {
	return o.crashes
}

// Heap returns the arena's heap.
func (o *Arena) Heap() *heapsim.Heap {
	return o.heap
}

func (o *Arena) openGate() {
	if !o.gate {
		o.config.OptLogger.Printf("%sgive_root called - gate is open", o.prefix())
	}

	o.gate = true
}

func (o *Arena) occupied(index uint32) (slot, error) {
	if index >= Capacity || o.slots[index].state == SlotEmpty {
		return slot{}, errBadIndex()
	}

	return o.slots[index], nil
}

func (o *Arena) prefix() string {
	if o.config.OptName == "" {
		return ""
	}

	return o.config.OptName + ": "
}
