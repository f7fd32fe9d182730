package ghost

import (
	"gitlab.com/stephen-fox/uafkit/memory"
)

const (
	// KernelTextBase is the address of the simulated kernel text.
	KernelTextBase = 0xffffffff81000000

	GhostNop    = "ghost_nop"
	CommitCreds = "commit_creds"
	GhostHook   = "ghost_kp_pre"

	// Offset of the indirect call in ghost_kp_pre.
	hookCallOffset = 8
)

// kernelFn is the Go implementation of a kernel procedure. task
// is the task whose system call is running.
type kernelFn func(d *Device, task *Task, arg uint64)

type kernelTable struct {
	text  *memory.TextSegment
	procs map[uint64]kernelFn
}

func (o *kernelTable) lookup(addr uint64) (kernelFn, bool) {
	fn, hasIt := o.procs[addr]
	return fn, hasIt
}

// kernel is shared by all devices and never modified after
// initialization.
var kernel = newKernelTable()

func newKernelTable() *kernelTable {
	text := memory.NewTextSegment("kernel", KernelTextBase)

	table := &kernelTable{
		text:  text,
		procs: make(map[uint64]kernelFn),
	}

	// xor eax, eax; ret
	nop := text.Add(GhostNop, []byte{0x31, 0xc0, 0xc3})

	// push rbx; mov rbx, rdi; xor eax, eax; pop rbx; ret
	commit := text.Add(CommitCreds, []byte{
		0x53, 0x48, 0x89, 0xfb, 0x31, 0xc0, 0x5b, 0xc3,
	})

	// mov rax, qword ptr [rdi+0x20]; mov rdi, qword ptr [rdi+0x28];
	// call rax; ret
	text.Add(GhostHook, []byte{
		0x48, 0x8b, 0x47, 0x20, 0x48, 0x8b, 0x7f, 0x28, 0xff, 0xd0, 0xc3,
	})

	table.procs[nop] = func(*Device, *Task, uint64) {}

	// A zero argument stands for the root credentials.
	table.procs[commit] = func(d *Device, task *Task, arg uint64) {
		if arg == 0 {
			d.commitRoot(task)
		}
	}

	return table
}

// Kallsyms returns the kernel's symbols in /proc/kallsyms format.
func Kallsyms() string {
	return kernel.text.String()
}

// KernelSymbol returns the address of a kernel symbol.
func KernelSymbol(name string) (uint64, error) {
	return kernel.text.Address(name)
}

// KernelText returns the simulated kernel's text segment.
func KernelText() *memory.TextSegment {
	return kernel.text
}
