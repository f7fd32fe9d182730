package choir

import (
	"gitlab.com/stephen-fox/uafkit/heapsim"
	"gitlab.com/stephen-fox/uafkit/memory"
)

const (
	// TextBase is the address of the service's text segment.
	TextBase = 0x401000

	ChoirSing    = "choir_sing"
	GiveRoot     = "give_root"
	ChoirTrigger = "choir_trigger"

	// Offset of the indirect call in choir_trigger.
	triggerCallOffset = 3
)

// procedureFn is the Go implementation of a procedure in the
// text segment. obj is the address the procedure was called with.
type procedureFn func(a *Arena, obj heapsim.Addr)

type procedureTable struct {
	text  *memory.TextSegment
	procs map[uint64]procedureFn
}

func (o *procedureTable) lookup(addr uint64) (procedureFn, bool) {
	fn, hasIt := o.procs[addr]
	return fn, hasIt
}

// procedures is shared by all arenas. It is never modified after
// initialization.
var procedures = newProcedureTable()

func newProcedureTable() *procedureTable {
	text := memory.NewTextSegment("choir", TextBase)

	table := &procedureTable{
		text:  text,
		procs: make(map[uint64]procedureFn),
	}

	// push rbp; mov rbp, rsp; nop; pop rbp; ret
	sing := text.Add(ChoirSing, []byte{
		0x55, 0x48, 0x89, 0xe5, 0x90, 0x5d, 0xc3,
	})

	// mov dword ptr [rip+0x2ff6], 0x1 (is_root at 0x404010); ret
	root := text.Add(GiveRoot, []byte{
		0xc7, 0x05, 0xf6, 0x2f, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xc3,
	})

	// mov rax, qword ptr [rdi]; call rax; xor eax, eax; ret
	text.Add(ChoirTrigger, []byte{
		0x48, 0x8b, 0x07, 0xff, 0xd0, 0x31, 0xc0, 0xc3,
	})

	table.procs[sing] = func(*Arena, heapsim.Addr) {}

	table.procs[root] = func(a *Arena, _ heapsim.Addr) {
		a.openGate()
	}

	return table
}

// Text returns the service's text segment.
func Text() *memory.TextSegment {
	return procedures.text
}
