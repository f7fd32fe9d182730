package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/uafkit/memory"
	"gitlab.com/stephen-fox/uafkit/pattern"
)

const (
	appName = "pattern"
	usage   = appName + `
DESCRIPTION
  Generates de Bruijn pattern strings and finds the offset of fragments
  within them. The output is compatible with pwntools' cyclic.

USAGE
  ` + appName + ` -n NUM-BYTES
  ` + appName + ` -f FRAGMENT [-addr]

EXAMPLES
  Generate 128 bytes of pattern:
    $ ` + appName + ` -n 128

  Find the offset of a clobbered return address from a crash report:
    $ ` + appName + ` -addr -f 0x6161617461616173
    72

  Find the offset of a string:
    $ ` + appName + ` -f saaa
    72

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	numBytes := flag.Int(
		"n",
		0,
		"Generate this many bytes of pattern")
	fragment := flag.String(
		"f",
		"",
		"The fragment to find")
	isAddr := flag.Bool(
		"addr",
		false,
		"Treat the fragment as a hex-encoded little endian address\n"+
			"(e.g., a register value from a crash report)")
	alphabet := flag.String(
		"alphabet",
		pattern.DefaultAlphabet,
		"The pattern's alphabet")
	subLen := flag.Int(
		"len",
		pattern.DefaultSubsequenceLen,
		"The length of the pattern's unique subsequences")
	help := flag.Bool(
		"h",
		false,
		"Display this information")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	db := &pattern.DeBruijn{
		Alphabet: *alphabet,
		N:        *subLen,
	}

	switch {
	case *numBytes > 0:
		err := db.WriteToN(os.Stdout, *numBytes)
		if err != nil {
			return err
		}

		_, err = os.Stdout.WriteString("\n")

		return err
	case *fragment != "":
		frag := []byte(*fragment)

		if *isAddr {
			pm := memory.PointerMakerForX86_64()

			if len(strings.TrimPrefix(*fragment, "0x")) <= 8 {
				pm = memory.PointerMakerForX86_32()
			}

			p, err := pm.FromHexString(*fragment, binary.BigEndian)
			if err != nil {
				return fmt.Errorf("failed to parse address %q - %w", *fragment, err)
			}

			frag = p.Bytes()
		}

		offset, err := db.Offset(frag)
		if err != nil {
			return fmt.Errorf("failed to find 0x%s - %w", hex.EncodeToString(frag), err)
		}

		fmt.Println(offset)

		return nil
	default:
		return fmt.Errorf("please specify -n or -f (use -h for more information)")
	}
}
