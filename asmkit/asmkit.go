// Package asmkit disassembles machine code using golang.org/x/arch.
// It is used to render crash reports for simulated targets and by
// the dasm tool.
package asmkit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

// SymbolizerFn returns the name of the symbol containing addr
// and the symbol's base address. An empty name means no symbol
// was found.
type SymbolizerFn func(addr uint64) (string, uint64)

type DisassemblerConfig struct {
	Syntax     DisassemblySyntax
	ArchConfig interface{}

	// OptPC is the address of the first instruction. It is used
	// to resolve relative branch targets.
	OptPC uint64

	// OptSymbolizer resolves addresses to symbol names for
	// syntaxes that support it.
	OptSymbolizer SymbolizerFn
}

type X86Config struct {
	Bits int
}

type ARMConfig struct {
	Mode armasm.Mode
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	var symname func(uint64) (string, uint64)
	if config.OptSymbolizer != nil {
		symname = config.OptSymbolizer
	}

	switch assertedConfig := config.ArchConfig.(type) {
	case ARMConfig:
		var disassemblyFn func(inst armasm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst armasm.Inst, _ uint64) string {
				return armasm.GNUSyntax(inst)
			}
		case GoSyntax:
			disassemblyFn = func(inst armasm.Inst, pc uint64) string {
				return armasm.GoSyntax(inst, pc, symname, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm: %q", config.Syntax)
		}

		return &Disassembler{
			pc: config.OptPC,
			disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
				armInst, err := armasm.Decode(remainingInsts, assertedConfig.Mode)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(armInst, pc)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, armInst.Len),
					Len:  armInst.Len,
					Dis:  disassembly,
					Inst: armInst,
				}, nil
			},
		}, nil
	case X86Config:
		switch assertedConfig.Bits {
		case 16, 32, 64:
			// OK.
		default:
			return nil, fmt.Errorf("unsupported x86 mode: %d bits", assertedConfig.Bits)
		}

		var disassemblyFn func(inst x86asm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GNUSyntax(inst, pc, symname)
			}
		case GoSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GoSyntax(inst, pc, symname)
			}
		case IntelSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.IntelSyntax(inst, pc, symname)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
		}

		return &Disassembler{
			pc: config.OptPC,
			disassOneInstFn: func(remainingInsts []byte, pc uint64) (Inst, error) {
				x86Inst, err := x86asm.Decode(remainingInsts, assertedConfig.Bits)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(x86Inst, pc)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, x86Inst.Len),
					Len:  x86Inst.Len,
					Dis:  disassembly,
					Inst: x86Inst,
				}, nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported config type: %T", assertedConfig)
	}
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Disassembler struct {
	pc              uint64
	disassOneInstFn func(remainingInsts []byte, pc uint64) (Inst, error)
}

// All decodes every instruction in rawInstructions, calling
// onDecodeFn for each one.
func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(rawInstructions) {
		inst, err := o.disassOneInstFn(rawInstructions[index:], o.pc+uint64(index))
		if err != nil {
			return fmt.Errorf("failed to decode instruction at offset %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index
		inst.Addr = o.pc + uint64(index)

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Next decodes the first instruction in rawInstructions.
func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	inst, err := o.disassOneInstFn(rawInstructions, o.pc)
	if err != nil {
		return Inst{}, err
	}

	inst.Addr = o.pc

	return inst, nil
}

type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Addr  uint64
	Dis   string
	Inst  interface{} `json:"-"`
}

// Listing returns an objdump-style listing of rawInstructions.
// If optMarkAddr is non-zero, the instruction at that address
// is prefixed with an arrow.
func Listing(rawInstructions []byte, config DisassemblerConfig, optMarkAddr uint64) (string, error) {
	if config.Syntax == SkipSyntax {
		config.Syntax = IntelSyntax
	}

	disass, err := NewDisassembler(config)
	if err != nil {
		return "", err
	}

	maxLen := 0
	var insts []Inst

	err = disass.All(rawInstructions, func(inst Inst) error {
		if inst.Len > maxLen {
			maxLen = inst.Len
		}

		insts = append(insts, inst)

		return nil
	})
	if err != nil {
		return "", err
	}

	buf := strings.Builder{}

	for _, inst := range insts {
		marker := "  "
		if optMarkAddr != 0 && inst.Addr == optMarkAddr {
			marker = "=>"
		}

		hexBytes := make([]string, len(inst.Bin))
		for i, b := range inst.Bin {
			hexBytes[i] = fmt.Sprintf("%02x", b)
		}

		fmt.Fprintf(&buf, "%s 0x%x: %-*s  %s\n",
			marker, inst.Addr, maxLen*3-1, strings.Join(hexBytes, " "), inst.Dis)
	}

	return strings.TrimSuffix(buf.String(), "\n"), nil
}
