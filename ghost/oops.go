package ghost

import (
	"fmt"
	"strings"

	"gitlab.com/stephen-fox/uafkit/asmkit"
	"gitlab.com/stephen-fox/uafkit/heapsim"
	"gitlab.com/stephen-fox/uafkit/iokit"
)

// oopsFrame is the hook state at the time of a fault. A zero rip
// means the fault happened while loading the context.
type oopsFrame struct {
	ctx heapsim.Addr
	rip uint64
}

// oops logs a kernel oops. The system call that caused it
// continues.
func (o *Device) oops(msg string, frame *oopsFrame) {
	n := o.oopses.Add(1)
	o.config.OptMetrics.oopsed()

	report := strings.Builder{}

	fmt.Fprintf(&report, "ghostlight: %s\n", msg)
	fmt.Fprintf(&report, "Oops: 0010 [#%d] SMP NOPTI\n", n)

	if frame == nil {
		o.config.OptLogger.Print(report.String())
		return
	}

	text := o.kernel.text

	if frame.rip != 0 {
		fmt.Fprintf(&report, "RIP: 0010:0x%x", frame.rip)

		name, base := text.Containing(frame.rip)
		switch {
		case name != "":
			fmt.Fprintf(&report, " (%s+0x%x)", name, frame.rip-base)
		case text.Contains(frame.rip):
			report.WriteString(" (padding)")
		default:
			report.WriteString(" (unmapped)")
		}

		report.WriteString("\n")
	}

	state := "unknown"
	if info, ok := o.heap.Chunk(frame.ctx); ok {
		state = "allocated"
		if info.Free {
			state = "free"
		}
	}

	fmt.Fprintf(&report, "RDI: %s (glow, chunk %s)\n", frame.ctx, state)

	raw, err := o.heap.Read(frame.ctx, GlowSize)
	if err != nil {
		fmt.Fprintf(&report, "%s\n", err)
	} else {
		report.WriteString(iokit.HexDump(raw) + "\n")
	}

	code, addr, err := text.Function(GhostHook)
	if err == nil {
		listing, err := asmkit.Listing(code, asmkit.DisassemblerConfig{
			ArchConfig:    asmkit.X86Config{Bits: 64},
			OptPC:         addr,
			OptSymbolizer: text.Containing,
		}, addr+hookCallOffset)
		if err == nil {
			fmt.Fprintf(&report, "Call Trace:\n %s+0x%x\n%s", GhostHook, hookCallOffset, listing)
		}
	}

	o.config.OptLogger.Print(report.String())
}
