package lab

import (
	"bufio"
	"errors"
	"io"
	"math"
)

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	default:
		return false
	}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func (o *Session) skipSpace() error {
	for {
		b, err := o.r.ReadByte()
		if err != nil {
			return err
		}

		if !isSpace(b) {
			return o.r.UnreadByte()
		}
	}
}

// scanInt behaves like scanf("%d"). ok is false if the input does
// not start with a number. Like scanf, it pushes back at most one
// byte, so a lone sign is consumed. Out of range values saturate.
func (o *Session) scanInt() (n int, ok bool, err error) {
	err = o.skipSpace()
	if err != nil {
		return 0, false, err
	}

	neg := false

	b, err := o.r.ReadByte()
	if err != nil {
		return 0, false, err
	}

	if b == '-' || b == '+' {
		neg = b == '-'

		b, err = o.r.ReadByte()
		if err != nil {
			return 0, false, err
		}
	}

	if !isDigit(b) {
		_ = o.r.UnreadByte()
		return 0, false, nil
	}

	var v int64
	for {
		if v <= math.MaxInt32 {
			v = v*10 + int64(b-'0')
		}

		b, err = o.r.ReadByte()
		if err != nil {
			break
		}

		if !isDigit(b) {
			_ = o.r.UnreadByte()
			break
		}
	}

	if neg {
		v = -v
	}

	switch {
	case v > math.MaxInt32:
		v = math.MaxInt32
	case v < math.MinInt32:
		v = math.MinInt32
	}

	return int(v), true, nil
}

// discardLine consumes input through the next newline.
func (o *Session) discardLine() error {
	_, err := o.r.ReadSlice('\n')
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = o.r.ReadSlice('\n')
	}

	return err
}

// readLine reads at most max bytes, stopping at (and consuming)
// a newline. Reaching the end of input is not an error.
func (o *Session) readLine(max int) ([]byte, error) {
	var line []byte

	for len(line) < max {
		b, err := o.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return line, err
		}

		if b == '\n' {
			break
		}

		line = append(line, b)
	}

	return line, nil
}

// fgets behaves like fgets(3): it reads at most size-1 bytes and
// stops after a newline, which is kept. It returns io.EOF if the
// input ends before any byte is read.
func (o *Session) fgets(size int) ([]byte, error) {
	var line []byte

	for len(line) < size-1 {
		b, err := o.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}

			return line, err
		}

		line = append(line, b)

		if b == '\n' {
			break
		}
	}

	return line, nil
}

// scanToken behaves like scanf("%<max>s").
func (o *Session) scanToken(max int) ([]byte, error) {
	err := o.skipSpace()
	if err != nil {
		return nil, err
	}

	var token []byte

	for len(token) < max {
		b, err := o.r.ReadByte()
		if err != nil {
			break
		}

		if isSpace(b) {
			_ = o.r.UnreadByte()
			break
		}

		token = append(token, b)
	}

	return token, nil
}

// expectByte consumes the next byte if it is b.
func (o *Session) expectByte(b byte) (bool, error) {
	next, err := o.r.ReadByte()
	if err != nil {
		return false, err
	}

	if next != b {
		return false, o.r.UnreadByte()
	}

	return true, nil
}

// readInt reads a number and discards the rest of the line. It
// returns -1 if the line does not start with a number.
func (o *Session) readInt() (int, error) {
	n, ok, err := o.scanInt()
	if err != nil {
		return 0, err
	}

	err = o.discardLine()
	if err != nil {
		return 0, err
	}

	if !ok {
		return -1, nil
	}

	return n, nil
}
