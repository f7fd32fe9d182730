// Package conv converts human-friendly representations of binary
// data, such as C arrays and escaped shellcode strings, into bytes.
package conv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// HexArrayToBytes converts an array of hexadecimal characters into
// a []byte. It ignores C comments, which allows the function to parse
// blobs of data mixed with comments. Byte prefixes such as "0x" and
// "\x" are accepted.
//
// While this was intended for converting a C array's contents to bytes,
// it can also be used to parse hex pairs from the command line.
func HexArrayToBytes(source io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read hex array - %w", err)
	}

	code, err := StripCComments(raw)
	if err != nil {
		return nil, err
	}

	for _, prefix := range []string{"0x", "0X", `\x`} {
		code = bytes.ReplaceAll(code, []byte(prefix), nil)
	}

	hexChars := make([]byte, 0, len(code))
	for _, b := range code {
		if isHexChar(b) {
			hexChars = append(hexChars, b)
		}
	}

	if len(hexChars)%2 != 0 {
		return nil, fmt.Errorf("hex array contains an odd number of hex characters (%d)",
			len(hexChars))
	}

	decoded := make([]byte, hex.DecodedLen(len(hexChars)))

	_, err = hex.Decode(decoded, hexChars)
	if err != nil {
		return nil, fmt.Errorf("failed to hex-decode array - %w", err)
	}

	return decoded, nil
}

// StripCComments removes "//" and "/* */" comments from code.
func StripCComments(code []byte) ([]byte, error) {
	out := make([]byte, 0, len(code))

	for i := 0; i < len(code); i++ {
		if code[i] != '/' || i+1 >= len(code) {
			out = append(out, code[i])
			continue
		}

		switch code[i+1] {
		case '/':
			end := bytes.IndexByte(code[i:], '\n')
			if end < 0 {
				return out, nil
			}

			i += end - 1
		case '*':
			end := bytes.Index(code[i+2:], []byte("*/"))
			if end < 0 {
				return nil, errors.New("failed to find corresponding '*/' end of comment")
			}

			i += 2 + end + 1
		default:
			out = append(out, code[i])
		}
	}

	return out, nil
}

func isHexChar(b byte) bool {
	return (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F') || (b >= '0' && b <= '9')
}
