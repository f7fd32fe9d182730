package memory

import (
	"fmt"
	"sort"
)

// TextPadByte fills the gaps between functions in a TextSegment
// (int3 on x86).
const TextPadByte = 0xcc

// NewTextSegment creates an empty TextSegment mapped at base.
// Symbols are tracked in an AddressTable under the specified context.
func NewTextSegment(context string, base uint64) *TextSegment {
	return &TextSegment{
		base:  base,
		syms:  NewAddressTable(context),
		sizes: make(map[string]int),
	}
}

// TextSegment is a simulated executable region containing named
// functions. It answers "which function lives at this address",
// which lets a simulated target decide whether a hijacked
// instruction pointer lands on real code.
type TextSegment struct {
	base  uint64
	code  []byte
	syms  *AddressTable
	sizes map[string]int
}

// Add appends a function's machine code and returns its address.
// Functions are aligned to 16 bytes.
func (o *TextSegment) Add(name string, code []byte) uint64 {
	for len(o.code)%16 != 0 {
		o.code = append(o.code, TextPadByte)
	}

	addr := o.base + uint64(len(o.code))

	o.code = append(o.code, code...)
	o.syms.AddSymbol(name, addr)
	o.sizes[name] = len(code)

	return addr
}

// Base returns the address of the first byte of the segment.
func (o *TextSegment) Base() uint64 {
	return o.base
}

// Bytes returns the segment's contents.
func (o *TextSegment) Bytes() []byte {
	return o.code
}

// Address returns the address of the named function.
func (o *TextSegment) Address(name string) (uint64, error) {
	return o.syms.Address(name)
}

// AddressOrExit calls Address. It calls DefaultExitFn if the
// function does not exist.
func (o *TextSegment) AddressOrExit(name string) uint64 {
	return o.syms.AddressOrExit(name)
}

// Symbolize returns the name of the function starting exactly
// at addr.
func (o *TextSegment) Symbolize(addr uint64) (string, bool) {
	return o.syms.Symbolize(addr)
}

// Containing returns the name and start address of the function
// containing addr. The name is empty if addr is not in a function.
func (o *TextSegment) Containing(addr uint64) (string, uint64) {
	for _, sym := range o.syms.Symbols() {
		if addr >= sym.Addr && addr < sym.Addr+uint64(o.sizes[sym.Name]) {
			return sym.Name, sym.Addr
		}
	}

	return "", 0
}

// Function returns the machine code of the named function.
func (o *TextSegment) Function(name string) ([]byte, uint64, error) {
	addr, err := o.syms.Address(name)
	if err != nil {
		return nil, 0, err
	}

	start := int(addr - o.base)

	return o.code[start : start+o.sizes[name]], addr, nil
}

// Contains reports whether addr falls within the segment.
func (o *TextSegment) Contains(addr uint64) bool {
	return addr >= o.base && addr < o.base+uint64(len(o.code))
}

// Symbols returns the segment's functions sorted by address.
func (o *TextSegment) Symbols() []Symbol {
	syms := o.syms.Symbols()

	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Addr < syms[j].Addr
	})

	return syms
}

// String returns a kallsyms-style listing of the segment.
func (o *TextSegment) String() string {
	var str string

	for _, sym := range o.Symbols() {
		str += fmt.Sprintf("%016x T %s\n", sym.Addr, sym.Name)
	}

	return str
}
