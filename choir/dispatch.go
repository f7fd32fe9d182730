package choir

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/uafkit/bstruct"
	"gitlab.com/stephen-fox/uafkit/wire"
)

// Operation codes.
const (
	OpCreate      uint32 = 1
	OpFree        uint32 = 2
	OpSetPayload  uint32 = 3
	OpTrigger     uint32 = 4
	OpSpray       uint32 = 5
	OpLeak        uint32 = 6
	OpReadSecret  uint32 = 7
	OpReadPayload uint32 = 8
)

// OpName returns a human-readable name for an operation code.
func OpName(op uint32) string {
	switch op {
	case OpCreate:
		return "create"
	case OpFree:
		return "free"
	case OpSetPayload:
		return "set_payload"
	case OpTrigger:
		return "trigger"
	case OpSpray:
		return "spray"
	case OpLeak:
		return "leak"
	case OpReadSecret:
		return "read_secret"
	case OpReadPayload:
		return "read_payload"
	default:
		return "unknown"
	}
}

type indexArgs struct {
	Index uint32
}

type setPayloadArgs struct {
	Index  uint32
	Length uint32
}

type sprayArgs struct {
	ChunkSize uint32
	Count     uint32
}

type leakBody struct {
	GiveRoot  uint64
	ChoirSing uint64
}

// Handle executes one request against the arena. Failures reported
// to the client are returned as a Response. A non-nil error is fatal
// to the session and no response should be sent.
func (o *Arena) Handle(req wire.Request) (wire.Response, error) {
	var body []byte
	var err error

	switch req.Op {
	case OpCreate:
		var args indexArgs
		if err = decodeArgs(req.Arg, &args, true); err == nil {
			err = o.Create(args.Index)
		}
	case OpFree:
		var args indexArgs
		if err = decodeArgs(req.Arg, &args, true); err == nil {
			err = o.Free(args.Index)
		}
	case OpSetPayload:
		var args setPayloadArgs
		if err = decodeArgs(req.Arg, &args, false); err == nil {
			err = o.SetPayload(args.Index, args.Length, req.Arg[8:])
		}
	case OpTrigger:
		var args indexArgs
		if err = decodeArgs(req.Arg, &args, true); err == nil {
			err = o.Trigger(args.Index)
		}
	case OpSpray:
		var args sprayArgs
		if err = decodeArgs(req.Arg, &args, false); err == nil {
			err = o.Spray(args.ChunkSize, args.Count, req.Arg[8:])
		}
	case OpLeak:
		leak := o.Leak()
		body, err = bstruct.ToBytes(leakBody{
			GiveRoot:  leak.GiveRoot,
			ChoirSing: leak.ChoirSing,
		}, wire.ByteOrder, nil)
	case OpReadSecret:
		body, err = o.ReadSecret()
	case OpReadPayload:
		var args indexArgs
		if err = decodeArgs(req.Arg, &args, true); err == nil {
			body, err = o.ReadPayload(args.Index)
		}
	default:
		err = errUnknownOp()
	}

	var statusErr *StatusError

	switch {
	case err == nil:
		return wire.Response{
			Status: uint32(StatusOK),
			Body:   body,
		}, nil
	case errors.As(err, &statusErr):
		return wire.Response{
			Status: uint32(statusErr.Status),
			Body:   []byte(statusErr.Body),
		}, nil
	default:
		return wire.Response{}, fmt.Errorf("%s failed - %w", OpName(req.Op), err)
	}
}

// decodeArgs decodes the fixed-size prefix of arg into ptr. If exact
// is true, arg must not contain anything else.
func decodeArgs(arg []byte, ptr interface{}, exact bool) error {
	size, err := bstruct.Size(ptr)
	if err != nil {
		return err
	}

	if len(arg) < size || (exact && len(arg) != size) {
		return errBadArgs()
	}

	_, err = bstruct.FromBytes(arg, wire.ByteOrder, ptr)

	return err
}
