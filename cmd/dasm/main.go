package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"gitlab.com/stephen-fox/uafkit/asmkit"
	"gitlab.com/stephen-fox/uafkit/choir"
	"gitlab.com/stephen-fox/uafkit/conv"
	"gitlab.com/stephen-fox/uafkit/ghost"
	"gitlab.com/stephen-fox/uafkit/lab"
	"gitlab.com/stephen-fox/uafkit/memory"
	"golang.org/x/arch/arm/armasm"
)

const (
	asmSyntaxArg    = "s"
	startAddrArg    = "pc"
	inputFormatArg  = "i"
	outputFormatArg = "o"
	targetArg       = "t"
	funcArg         = "f"
	markArg         = "m"
	helpArg         = "h"

	intelSyntax = "intel"

	hexFormat = "hex"
	rawFormat = "raw"
	b64Format = "b64"

	prettyFormat  = "pretty"
	listingFormat = "listing"
	jsonFormat    = "json"
	goFormat      = "go"

	x86_32Platform = "x86_32"
	x86_64Platform = "x86_64"
	armPlatform    = "arm"

	appName = "dasm"
	usage   = appName + `
DESCRIPTION
  Disassembles machine code read from stdin, or the text segment of one of
  the simulated targets when -` + targetArg + ` is specified. Stdin input may
  be hex (including C arrays with comments), base64, or raw bytes.

  Relative branch targets are resolved against the address specified by
  -` + startAddrArg + `. Target text is always x86_64, starts at the
  segment's base address, and is symbolized.

USAGE
  ` + appName + ` [options] ` + armPlatform + `|` + x86_32Platform + `|` + x86_64Platform + ` < some-file
  ` + appName + ` -` + targetArg + ` TARGET [-` + funcArg + ` FUNCTION] [-` + markArg + ` ADDRESS]

TARGETS
  %s

EXAMPLES
  Disassemble shellcode:
    $ echo "\x31\xc0\x40\x89\xc3\xcd\x80" > exit-1.bin
    $ ` + appName + ` ` + x86_32Platform + ` < exit-1.bin
    xor eax, eax
    inc eax
    mov ebx, eax
    int 0x80

  Show where the ghost hook calls the glow's function pointer:
    $ ` + appName + ` -` + targetArg + ` kernel -` + funcArg + ` ghost_kp_pre -` + markArg + ` 0xffffffff81000028

OPTIONS
`
)

func targets() map[string]*memory.TextSegment {
	return map[string]*memory.TextSegment{
		"choir":  choir.Text(),
		"kernel": ghost.KernelText(),
		"lava":   lab.LavaSymbols(),
	}
}

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	inputFormat := flag.String(
		inputFormatArg,
		hexFormat,
		"The input data format ('"+hexFormat+"', '"+b64Format+"', '"+rawFormat+"')")

	outputFormat := flag.String(
		outputFormatArg,
		prettyFormat,
		"The output format ('"+prettyFormat+"', '"+listingFormat+"', '"+hexFormat+"', '"+
			jsonFormat+"', '"+goFormat+"')")

	syntax := flag.String(
		asmSyntaxArg,
		intelSyntax,
		"The desired assembly syntax")

	startAddr := flag.Uint64(
		startAddrArg,
		0,
		"The address of the first instruction (e.g., 0x401000)")

	target := flag.String(
		targetArg,
		"",
		"Disassemble the text segment of a simulated target instead of stdin")

	function := flag.String(
		funcArg,
		"",
		"Only disassemble the named function of the -"+targetArg+" text segment")

	mark := flag.Uint64(
		markArg,
		0,
		"Mark the instruction at this address in '"+listingFormat+"' output")

	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, usage, strings.Join(targetNames(), ", "))
		flag.PrintDefaults()
		os.Exit(1)
	}

	config := asmkit.DisassemblerConfig{
		Syntax: asmkit.DisassemblySyntax(*syntax),
		OptPC:  *startAddr,
	}

	var binaryInsts []byte
	var err error

	if *target != "" {
		binaryInsts, err = targetText(&config, *target, *function)
		if err != nil {
			return err
		}
	} else {
		if flag.NArg() != 1 {
			return fmt.Errorf("please specify a platform to decode for ('%s', '%s', '%s')",
				armPlatform, x86_32Platform, x86_64Platform)
		}

		config.ArchConfig, err = archConfig(flag.Arg(0))
		if err != nil {
			return err
		}

		binaryInsts, err = readInput(*inputFormat, os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read %q instructions - %w", *inputFormat, err)
		}
	}

	if *outputFormat == listingFormat {
		listing, err := asmkit.Listing(binaryInsts, config, *mark)
		if err != nil {
			return fmt.Errorf("failed to create listing - %w", err)
		}

		_, err = os.Stdout.WriteString(listing + "\n")

		return err
	}

	disassembler, err := asmkit.NewDisassembler(config)
	if err != nil {
		return fmt.Errorf("failed to create disassembler - %w", err)
	}

	output := bytes.NewBuffer(nil)

	var writer instWriter

	switch *outputFormat {
	case prettyFormat:
		writer = &disassWriter{w: output}
	case hexFormat:
		writer = &hexWriter{w: output}
	case jsonFormat:
		writer = &jsonWriter{w: output}
	case goFormat:
		writer = &goByteSliceWriter{w: output}
	default:
		return fmt.Errorf("unsupported output format: %q", *outputFormat)
	}

	err = disassembler.All(binaryInsts, writer.Write)
	if err != nil {
		return fmt.Errorf("failed to decode instructions - %w", err)
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)

	return err
}

func targetNames() []string {
	var names []string
	for name := range targets() {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func targetText(config *asmkit.DisassemblerConfig, name string, function string) ([]byte, error) {
	text, hasIt := targets()[name]
	if !hasIt {
		return nil, fmt.Errorf("unknown target: %q (known targets: %s)",
			name, strings.Join(targetNames(), ", "))
	}

	config.ArchConfig = asmkit.X86Config{Bits: 64}
	config.OptPC = text.Base()
	config.OptSymbolizer = text.Containing

	if function == "" {
		return text.Bytes(), nil
	}

	code, addr, err := text.Function(function)
	if err != nil {
		return nil, err
	}

	config.OptPC = addr

	return code, nil
}

func archConfig(platform string) (interface{}, error) {
	switch platform {
	case armPlatform:
		return asmkit.ARMConfig{Mode: armasm.ModeARM}, nil
	case x86_32Platform:
		return asmkit.X86Config{Bits: 32}, nil
	case x86_64Platform:
		return asmkit.X86Config{Bits: 64}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: '%s'", platform)
	}
}

func readInput(format string, r io.Reader) ([]byte, error) {
	switch format {
	case hexFormat:
		return conv.HexArrayToBytes(r)
	case rawFormat:
		return io.ReadAll(r)
	case b64Format:
		b64Str, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}

		return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(b64Str)))
	default:
		return nil, fmt.Errorf("unknown input format: %q", format)
	}
}

type instWriter interface {
	Write(asmkit.Inst) error
	Flush() error
}

type disassWriter struct {
	w io.Writer
}

func (o *disassWriter) Write(inst asmkit.Inst) error {
	_, err := io.WriteString(o.w, inst.Dis+"\n")
	return err
}

func (o *disassWriter) Flush() error {
	return nil
}

type hexWriter struct {
	w io.Writer
}

func (o *hexWriter) Write(inst asmkit.Inst) error {
	_, err := io.WriteString(o.w, hex.EncodeToString(inst.Bin))
	return err
}

func (o *hexWriter) Flush() error {
	_, err := o.w.Write([]byte{'\n'})
	return err
}

type jsonWriter struct {
	w   io.Writer
	buf []asmkit.Inst
}

func (o *jsonWriter) Write(inst asmkit.Inst) error {
	o.buf = append(o.buf, inst)

	return nil
}

func (o *jsonWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", "  ")

	return enc.Encode(o.buf)
}

type goByteSliceWriter struct {
	isInit bool
	w      io.Writer
}

func (o *goByteSliceWriter) Write(inst asmkit.Inst) error {
	if !o.isInit {
		o.isInit = true

		_, err := io.WriteString(o.w, "[]byte{\n")
		if err != nil {
			return err
		}
	}

	line := strings.Builder{}
	line.WriteByte('\t')

	for _, b := range inst.Bin {
		fmt.Fprintf(&line, "0x%02x, ", b)
	}

	line.WriteString("// " + inst.Dis + "\n")

	_, err := io.WriteString(o.w, line.String())

	return err
}

func (o *goByteSliceWriter) Flush() error {
	_, err := io.WriteString(o.w, "}\n")
	return err
}
