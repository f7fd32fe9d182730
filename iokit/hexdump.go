package iokit

import (
	"encoding/hex"
	"io"
	"log"
)

// HexDump returns the output of hex.Dump without its trailing newline,
// or "<empty-value>" if b is empty.
func HexDump(b []byte) string {
	hexDump := hex.Dump(b)
	if len(hexDump) <= 1 {
		// hex.Dump always adds a newline.
		return "<empty-value>"
	}

	return hexDump[0 : len(hexDump)-1]
}

// TraceReadWriter wraps an io.ReadWriter, adding hexdump-style logging
// of the data that passes through it.
type TraceReadWriter struct {
	// RW is the wrapped io.ReadWriter.
	RW io.ReadWriter

	// Name is included in each log message.
	Name string

	// OptLoggerR is an optional logger that, when non-nil,
	// will recieve hexdump-style output of data that is read.
	OptLoggerR *log.Logger

	// OptLoggerW is an optional logger that, when non-nil,
	// will recieve hexdump-style output of data that is written.
	OptLoggerW *log.Logger
}

// Read calls RW.Read.
func (o *TraceReadWriter) Read(b []byte) (int, error) {
	n, err := o.RW.Read(b)

	if o.OptLoggerR != nil && n > 0 {
		o.OptLoggerR.Println(o.Name + ": read:\n" + HexDump(b[0:n]))
	}

	return n, err
}

// Write calls RW.Write.
func (o *TraceReadWriter) Write(b []byte) (int, error) {
	n, err := o.RW.Write(b)

	if o.OptLoggerW != nil && n > 0 {
		o.OptLoggerW.Println(o.Name + ": write:\n" + HexDump(b[0:n]))
	}

	return n, err
}
