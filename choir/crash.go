package choir

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/uafkit/asmkit"
	"gitlab.com/stephen-fox/uafkit/heapsim"
	"gitlab.com/stephen-fox/uafkit/iokit"
)

// crashReport describes a Trigger that jumped to cb, which is
// not the start of a known procedure.
func (o *Arena) crashReport(index uint32, obj heapsim.Addr, cb uint64) string {
	text := o.procs.text

	report := strings.Builder{}

	fmt.Fprintf(&report, "%sSIGSEGV in Trigger(%d): rip=0x%x", o.prefix(), index, cb)

	name, base := text.Containing(cb)
	switch {
	case name != "":
		fmt.Fprintf(&report, " (%s+0x%x)", name, cb-base)
	case text.Contains(cb):
		report.WriteString(" (padding)")
	default:
		report.WriteString(" (unmapped)")
	}

	state := "unknown"
	if info, ok := o.heap.Chunk(obj); ok {
		state = "allocated"
		if info.Free {
			state = "free"
		}
	}

	fmt.Fprintf(&report, "\nobject %s (chunk %s):\n", obj, state)

	raw, err := o.heap.Read(obj, ObjectSize)
	if err != nil {
		report.WriteString(err.Error())
	} else {
		report.WriteString(iokit.HexDump(raw))
	}

	code, addr, err := text.Function(ChoirTrigger)
	if err == nil {
		listing, err := asmkit.Listing(code, asmkit.DisassemblerConfig{
			ArchConfig:    asmkit.X86Config{Bits: 64},
			OptPC:         addr,
			OptSymbolizer: text.Containing,
		}, addr+triggerCallOffset)
		if err == nil {
			fmt.Fprintf(&report, "\n%s:\n%s", ChoirTrigger, listing)
		}
	}

	return report.String()
}
