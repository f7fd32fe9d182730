package ghost

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Linux ioctl number encoding (asm-generic/ioctl.h).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1

	sizeofUnsignedLong = 8
)

func ioc(dir uint32, typ byte, nr uint32, size uint32) uint32 {
	return dir<<iocDirShift | uint32(typ)<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IoctlMagic is the device's ioctl type.
const IoctlMagic = 'G'

var (
	CmdArm      = ioc(iocWrite, IoctlMagic, 0x01, sizeofUnsignedLong)
	CmdFree     = ioc(iocNone, IoctlMagic, 0x02, 0)
	CmdSpray    = ioc(iocWrite, IoctlMagic, 0x03, sizeofUnsignedLong)
	CmdHookOn   = ioc(iocNone, IoctlMagic, 0x04, 0)
	CmdHookOff  = ioc(iocNone, IoctlMagic, 0x05, 0)
	CmdReadFlag = ioc(iocWrite, IoctlMagic, 0x06, sizeofUnsignedLong)
)

// Daemon pseudo-commands. They are outside of the ioctl number
// space used by the device.
const (
	CmdGetpid   uint32 = 0xffff0001
	CmdKallsyms uint32 = 0xffff0002
)

// CmdName returns a human-readable name for a command.
func CmdName(cmd uint32) string {
	switch cmd {
	case CmdArm:
		return "arm"
	case CmdFree:
		return "free"
	case CmdSpray:
		return "spray"
	case CmdHookOn:
		return "hookon"
	case CmdHookOff:
		return "hookoff"
	case CmdReadFlag:
		return "readflag"
	case CmdGetpid:
		return "getpid"
	case CmdKallsyms:
		return "kallsyms"
	default:
		return fmt.Sprintf("0x%x", cmd)
	}
}

// ErrnoError is a failed device command.
type ErrnoError struct {
	Cmd   uint32
	Errno unix.Errno
}

func (o *ErrnoError) Error() string {
	return fmt.Sprintf("ioctl %s failed - %s", CmdName(o.Cmd), o.Errno.Error())
}

func (o *ErrnoError) Unwrap() error {
	return o.Errno
}

func errno(cmd uint32, e unix.Errno) error {
	return &ErrnoError{
		Cmd:   cmd,
		Errno: e,
	}
}

// ErrnoOf returns the errno carried by err, or zero.
func ErrnoOf(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}

	return 0
}
