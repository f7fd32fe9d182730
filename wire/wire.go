// Package wire implements the length-prefixed request/response
// framing spoken by the choir and ghostlight services.
//
// A request is "u32 opcode | u32 arglen | arg" and a response is
// "u32 status | u32 bodylen | body". All integers are little endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gitlab.com/stephen-fox/uafkit/bstruct"
)

const (
	// HeaderSize is the size of a request or response header.
	HeaderSize = 8

	// DefaultMaxArgLen is the largest argument accepted by
	// ReadRequest when no limit is specified. It fits the
	// largest possible spray request.
	DefaultMaxArgLen = 8 + 1<<20

	// DefaultMaxBodyLen is the largest body accepted by
	// ReadResponse when no limit is specified.
	DefaultMaxBodyLen = 1 << 20
)

var (
	// ByteOrder is the byte order of all integers on the wire.
	ByteOrder = binary.LittleEndian

	// ErrMalformed is returned when a frame is truncated or
	// declares a length larger than allowed.
	ErrMalformed = errors.New("malformed frame")
)

type header struct {
	Code uint32
	Len  uint32
}

// Request is a single operation request.
type Request struct {
	Op  uint32
	Arg []byte
}

// Response is the reply to a Request.
type Response struct {
	Status uint32
	Body   []byte
}

// ReadRequest reads one request from r. It returns io.EOF if r is
// closed cleanly before a new request starts. Any other failure
// wraps ErrMalformed.
func ReadRequest(r io.Reader, maxArgLen int) (Request, error) {
	if maxArgLen <= 0 {
		maxArgLen = DefaultMaxArgLen
	}

	code, arg, err := readFrame(r, maxArgLen)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Op:  code,
		Arg: arg,
	}, nil
}

// WriteRequest writes req to w.
func WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, req.Op, req.Arg)
}

// ReadResponse reads one response from r.
func ReadResponse(r io.Reader, maxBodyLen int) (Response, error) {
	if maxBodyLen <= 0 {
		maxBodyLen = DefaultMaxBodyLen
	}

	code, body, err := readFrame(r, maxBodyLen)
	if err != nil {
		return Response{}, err
	}

	return Response{
		Status: code,
		Body:   body,
	}, nil
}

// WriteResponse writes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	return writeFrame(w, resp.Status, resp.Body)
}

func readFrame(r io.Reader, maxLen int) (uint32, []byte, error) {
	raw := make([]byte, HeaderSize)

	_, err := io.ReadFull(r, raw)
	switch {
	case err == nil:
		// OK.
	case errors.Is(err, io.EOF):
		return 0, nil, io.EOF
	default:
		return 0, nil, fmt.Errorf("%w: failed to read header - %w", ErrMalformed, err)
	}

	var hdr header

	_, err = bstruct.FromBytes(raw, ByteOrder, &hdr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to decode header - %w", ErrMalformed, err)
	}

	if uint64(hdr.Len) > uint64(maxLen) {
		return 0, nil, fmt.Errorf("%w: length %d exceeds maximum of %d",
			ErrMalformed, hdr.Len, maxLen)
	}

	if hdr.Len == 0 {
		return hdr.Code, nil, nil
	}

	data := make([]byte, hdr.Len)

	_, err = io.ReadFull(r, data)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read %d bytes of data - %w",
			ErrMalformed, hdr.Len, err)
	}

	return hdr.Code, data, nil
}

func writeFrame(w io.Writer, code uint32, data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return fmt.Errorf("frame data is too large (%d bytes)", len(data))
	}

	raw, err := bstruct.ToBytes(header{
		Code: code,
		Len:  uint32(len(data)),
	}, ByteOrder, nil)
	if err != nil {
		return err
	}

	_, err = w.Write(append(raw, data...))

	return err
}
