package lab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"gitlab.com/stephen-fox/uafkit/asmkit"
	"gitlab.com/stephen-fox/uafkit/iokit"
	"gitlab.com/stephen-fox/uafkit/memory"
)

const (
	// LavaTextBase is the address of lava's text segment. The
	// program is not position independent.
	LavaTextBase = 0x401000

	LavaWin  = "win"
	LavaMain = "main"

	// Stack frame of main: buf[64] | saved rbp | return address.
	LavaBufSize        = 64
	LavaSavedRBPOffset = 64
	LavaReturnOffset   = 72

	// LavaReadSize is the size passed to fgets.
	LavaReadSize = 512

	// LavaReturnAddr is main's original return address,
	// __libc_start_call_main+0x80.
	LavaReturnAddr = 0x7ffff7c29d90

	lavaSavedRBP   = 0x7fffffffe4a0
	lavaStackSize  = 0x400
	lavaMaxReturns = 32

	// Offset of main's ret instruction.
	lavaMainRetOffset = 9

	winLineSize = 256
)

var lavaText = newLavaText()

func newLavaText() *memory.TextSegment {
	text := memory.NewTextSegment("lava", LavaTextBase)

	// push rbp; mov rbp, rsp; nop; pop rbp; ret
	text.Add(LavaWin, []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x5d, 0xc3})

	// push rbp; mov rbp, rsp; sub rsp, 0x40; leave; ret
	text.Add(LavaMain, []byte{
		0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x40, 0xc9, 0xc3,
	})

	return text
}

// LavaSymbols returns lava's text segment, which an exploit reads
// like the symbol table of a binary it was given.
func LavaSymbols() *memory.TextSegment {
	return lavaText
}

// Lava echoes one line read into a 64-byte stack buffer with
// fgets(buf, 512). The saved return address sits 72 bytes into
// the buffer. Returning to win prints the secret.
type Lava struct{}

func (Lava) Name() string {
	return "lava"
}

func (Lava) TimeoutMessage() string {
	return "Timeout"
}

func (o Lava) Run(ctx context.Context, s *Session) error {
	stack := make([]byte, lavaStackSize)
	binary.LittleEndian.PutUint64(stack[LavaSavedRBPOffset:], lavaSavedRBP)
	binary.LittleEndian.PutUint64(stack[LavaReturnOffset:], LavaReturnAddr)

	_ = s.Puts("Welcome to the Floor Is Lava training program.")
	_ = s.Puts("Give me one line of input and I'll echo it back.")
	_ = s.Printf("> ")

	line, err := s.fgets(LavaReadSize)
	if err != nil {
		return endOfInput(err)
	}

	copy(stack, line)
	stack[len(line)] = 0

	err = s.Printf("You said: %s", cBytes(stack))
	if err != nil {
		return err
	}

	return o.ret(s, stack[LavaReturnOffset:])
}

// ret follows the chain of return addresses starting at sp.
func (o Lava) ret(s *Session, sp []byte) error {
	mainAddr := lavaText.AddressOrExit(LavaMain)
	retGadget := mainAddr + lavaMainRetOffset
	winAddr := lavaText.AddressOrExit(LavaWin)

	for i := 0; i < lavaMaxReturns && len(sp) >= 8; i++ {
		rip := binary.LittleEndian.Uint64(sp)
		sp = sp[8:]

		switch rip {
		case LavaReturnAddr:
			return nil
		case retGadget:
			continue
		case winAddr:
			s.Logf("returned to %s", LavaWin)

			err := o.win(s)
			if err != nil {
				return err
			}
		default:
			s.Logf("%s", lavaCrashReport(rip, sp))
			return ErrCrashed
		}
	}

	return ErrCrashed
}

func (o Lava) win(s *Session) error {
	f, err := os.Open(s.Config().SecretPath)
	if err != nil {
		return s.Puts("You reached win()! (no /flag found)")
	}
	defer f.Close()

	line, _ := bufio.NewReader(io.LimitReader(f, winLineSize-1)).ReadBytes('\n')
	if len(line) == 0 {
		return s.Puts("FLAG file empty")
	}

	return s.Printf("FLAG: %s\n", line)
}

func lavaCrashReport(rip uint64, sp []byte) string {
	report := strings.Builder{}

	fmt.Fprintf(&report, "SIGSEGV: ret in %s jumped to 0x%x", LavaMain, rip)

	name, base := lavaText.Containing(rip)
	switch {
	case name != "":
		fmt.Fprintf(&report, " (%s+0x%x)", name, rip-base)
	case lavaText.Contains(rip):
		report.WriteString(" (padding)")
	default:
		report.WriteString(" (unmapped)")
	}

	n := len(sp)
	if n > 32 {
		n = 32
	}

	fmt.Fprintf(&report, "\nstack after return:\n%s\n", iokit.HexDump(sp[:n]))

	code, addr, err := lavaText.Function(LavaMain)
	if err == nil {
		listing, err := asmkit.Listing(code, asmkit.DisassemblerConfig{
			ArchConfig:    asmkit.X86Config{Bits: 64},
			OptPC:         addr,
			OptSymbolizer: lavaText.Containing,
		}, addr+lavaMainRetOffset)
		if err == nil {
			fmt.Fprintf(&report, "%s:\n%s", LavaMain, listing)
		}
	}

	return report.String()
}

// cBytes returns b up to its first NUL byte.
func cBytes(b []byte) []byte {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return b
	}

	return b[:i]
}
