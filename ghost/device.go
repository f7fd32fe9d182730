package ghost

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"gitlab.com/stephen-fox/uafkit/bstruct"
	"gitlab.com/stephen-fox/uafkit/heapsim"
	"gitlab.com/stephen-fox/uafkit/wire"
	"golang.org/x/sys/unix"
)

const (
	// glow layout: pad[0x20] | fn | arg.
	GlowSize  = 0x30
	FnOffset  = 0x20
	ArgOffset = 0x28

	MaxSprayCount = 4096
	MaxFlagLen    = 4096

	DefaultSecretPath = "/root/flag"

	firstPID = 1000
)

// SprayRequest is the argument of CmdSpray.
type SprayRequest struct {
	Count uint32
	Pad   [4]byte
	Fn    uint64
	Arg   uint64
}

// FlagRequest is the argument of CmdReadFlag. Buf is the caller's
// buffer address. It only needs to be non-zero.
type FlagRequest struct {
	Buf uint64
	Len uint32
	Pad [4]byte
}

// DeviceConfig configures a Device.
type DeviceConfig struct {
	// SecretPath is the file disclosed by ReadFlag.
	// DefaultSecretPath is used if empty.
	SecretPath string

	// HeapLimit is the size of the kernel heap.
	// heapsim.DefaultLimit is used if zero.
	HeapLimit int

	// Poison fills freed objects with heapsim.PoisonByte.
	Poison bool

	// OptLogger is the kernel log. It receives oops reports.
	OptLogger *log.Logger

	// OptMetrics records device activity.
	OptMetrics *Metrics
}

// NewDevice creates a Device with an empty kernel heap.
func NewDevice(config DeviceConfig) *Device {
	if config.SecretPath == "" {
		config.SecretPath = DefaultSecretPath
	}

	if config.OptLogger == nil {
		config.OptLogger = log.New(io.Discard, "", 0)
	}

	d := &Device{
		config: config,
		heap: heapsim.New(heapsim.Config{
			Base:      heapsim.KernelBase,
			Limit:     config.HeapLimit,
			SizeClass: heapsim.KmallocSizeClass,
			Poison:    config.Poison,
		}),
		kernel: kernel,
	}

	d.nextPID.Store(firstPID - 1)

	return d
}

// Device is the Ghostlight device. It is safe for concurrent use.
type Device struct {
	config DeviceConfig
	heap   *heapsim.Heap
	kernel *kernelTable

	// mu serializes Arm, Free and Spray. The hook does not take it.
	mu  sync.Mutex
	ctx atomic.Uint64

	hook      atomic.Bool
	hookFires atomic.Uint64
	oopses    atomic.Uint64
	nextPID   atomic.Int64
}

// Task is a process that uses the device. commit_creds changes
// the credentials of the task whose system call fired the hook.
type Task struct {
	PID  int
	root atomic.Bool
}

// Root reports whether the task has root credentials.
func (o *Task) Root() bool {
	return o.root.Load()
}

// NewTask creates a task with unprivileged credentials.
func (o *Device) NewTask() *Task {
	return &Task{
		PID: int(o.nextPID.Add(1)),
	}
}

// Arm allocates a new glow holding arg and makes it the context.
// The previous context is leaked, not freed.
func (o *Device) Arm(arg uint64) error {
	g, err := o.heap.Calloc(GlowSize)
	if err != nil {
		return errno(CmdArm, unix.ENOMEM)
	}

	err = o.heap.WriteUint64(g+ArgOffset, arg)
	if err != nil {
		return errno(CmdArm, unix.EFAULT)
	}

	o.mu.Lock()
	o.ctx.Store(uint64(g))
	o.mu.Unlock()

	return nil
}

// Free frees the context but keeps the pointer. Freeing it
// a second time is reported as an oops.
func (o *Device) Free() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := heapsim.Addr(o.ctx.Load())
	if old == 0 {
		return nil
	}

	err := o.heap.Free(old)
	if err != nil {
		o.oops(fmt.Sprintf("kernel BUG: kfree(%s) - %s", old, err), nil)
		return errno(CmdFree, unix.EFAULT)
	}

	return nil
}

// Spray allocates req.Count glows holding req.Fn and req.Arg.
// They are never freed.
func (o *Device) Spray(req SprayRequest) error {
	if req.Count == 0 || req.Count > MaxSprayCount {
		return errno(CmdSpray, unix.EINVAL)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for i := uint32(0); i < req.Count; i++ {
		g, err := o.heap.Calloc(GlowSize)
		if err != nil {
			return errno(CmdSpray, unix.ENOMEM)
		}

		err = o.heap.WriteUint64(g+FnOffset, req.Fn)
		if err != nil {
			return errno(CmdSpray, unix.EFAULT)
		}

		err = o.heap.WriteUint64(g+ArgOffset, req.Arg)
		if err != nil {
			return errno(CmdSpray, unix.EFAULT)
		}
	}

	return nil
}

// HookOn enables interception of getpid.
func (o *Device) HookOn() {
	o.hook.Store(true)
}

// HookOff disables interception of getpid.
func (o *Device) HookOff() {
	o.hook.Store(false)
}

// HookEnabled reports whether getpid is intercepted.
func (o *Device) HookEnabled() bool {
	return o.hook.Load()
}

// Getpid is the intercepted system call. It runs the hook if it
// is enabled and returns the task's PID.
func (o *Device) Getpid(task *Task) int {
	if o.hook.Load() {
		o.fire(task)
	}

	return task.PID
}

// fire runs the hook. It reads the context pointer without taking
// mu, so it can observe a context that Free has released or that
// Spray has since reclaimed. This is the free/fire race.
func (o *Device) fire(task *Task) {
	ctx := heapsim.Addr(o.ctx.Load())
	if ctx == 0 {
		return
	}

	o.hookFires.Add(1)
	o.config.OptMetrics.hookFired()

	fn, err := o.heap.ReadUint64(ctx + FnOffset)
	if err != nil {
		o.oops(fmt.Sprintf("BUG: unable to handle page fault for address: 0x%x",
			uint64(ctx+FnOffset)), &oopsFrame{ctx: ctx})
		return
	}

	if fn == 0 {
		return
	}

	arg, _ := o.heap.ReadUint64(ctx + ArgOffset)

	proc, ok := o.kernel.lookup(fn)
	if !ok {
		o.oops(fmt.Sprintf("BUG: unable to handle page fault for address: 0x%x", fn),
			&oopsFrame{ctx: ctx, rip: fn})
		return
	}

	proc(o, task, arg)
}

// commitRoot gives task root credentials.
func (o *Device) commitRoot(task *Task) {
	if task.root.Swap(true) {
		return
	}

	o.config.OptLogger.Printf("ghostlight: pid %d committed root credentials", task.PID)
	o.config.OptMetrics.escalated()
}

// ReadFlag reads up to req.Len bytes of the secret file. The task
// must have root credentials.
func (o *Device) ReadFlag(task *Task, req FlagRequest) (flag []byte, err error) {
	if req.Buf == 0 || req.Len == 0 || req.Len > MaxFlagLen {
		return nil, errno(CmdReadFlag, unix.EINVAL)
	}

	if !task.Root() {
		return nil, errno(CmdReadFlag, unix.EPERM)
	}

	kbuf, err := o.heap.Malloc(int(req.Len))
	if err != nil {
		return nil, errno(CmdReadFlag, unix.ENOMEM)
	}
	defer func() {
		freeErr := o.heap.Free(kbuf)
		if freeErr != nil {
			o.oops(fmt.Sprintf("kernel BUG: kfree(%s) - %s", kbuf, freeErr), nil)
			flag, err = nil, errno(CmdReadFlag, unix.EFAULT)
		}
	}()

	f, err := os.Open(o.config.SecretPath)
	if err != nil {
		return nil, errno(CmdReadFlag, fileErrno(err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(req.Len)))
	if err != nil {
		return nil, errno(CmdReadFlag, fileErrno(err))
	}

	err = o.heap.Write(kbuf, data)
	if err != nil {
		return nil, errno(CmdReadFlag, unix.EFAULT)
	}

	flag, err = o.heap.Read(kbuf, len(data))
	if err != nil {
		return nil, errno(CmdReadFlag, unix.EFAULT)
	}

	return flag, nil
}

func fileErrno(err error) unix.Errno {
	var e syscall.Errno
	if errors.As(err, &e) {
		return unix.Errno(e)
	}

	if errors.Is(err, fs.ErrNotExist) {
		return unix.ENOENT
	}

	if errors.Is(err, fs.ErrPermission) {
		return unix.EACCES
	}

	return unix.EIO
}

// Ioctl decodes an ioctl argument and runs cmd on behalf of task.
// Only CmdReadFlag returns data.
func (o *Device) Ioctl(task *Task, cmd uint32, arg []byte) ([]byte, error) {
	body, err := o.ioctl(task, cmd, arg)

	o.config.OptMetrics.ioctl(cmd, ErrnoOf(err))

	return body, err
}

func (o *Device) ioctl(task *Task, cmd uint32, arg []byte) ([]byte, error) {
	switch cmd {
	case CmdArm:
		if len(arg) != sizeofUnsignedLong {
			return nil, errno(cmd, unix.EINVAL)
		}

		return nil, o.Arm(wire.ByteOrder.Uint64(arg))
	case CmdFree:
		return nil, o.Free()
	case CmdSpray:
		var req SprayRequest

		_, err := bstruct.FromBytes(arg, wire.ByteOrder, &req)
		if err != nil {
			return nil, errno(cmd, unix.EFAULT)
		}

		return nil, o.Spray(req)
	case CmdHookOn:
		o.HookOn()
		return nil, nil
	case CmdHookOff:
		o.HookOff()
		return nil, nil
	case CmdReadFlag:
		var req FlagRequest

		_, err := bstruct.FromBytes(arg, wire.ByteOrder, &req)
		if err != nil {
			return nil, errno(cmd, unix.EFAULT)
		}

		return o.ReadFlag(task, req)
	default:
		return nil, errno(cmd, unix.ENOTTY)
	}
}

// Context returns the current context pointer, which may be stale.
func (o *Device) Context() heapsim.Addr {
	return heapsim.Addr(o.ctx.Load())
}

// HookFires returns the number of times the hook found a context.
func (o *Device) HookFires() uint64 {
	return o.hookFires.Load()
}

// Oopses returns the number of oops reports.
func (o *Device) Oopses() uint64 {
	return o.oopses.Load()
}

// Heap returns the kernel heap.
func (o *Device) Heap() *heapsim.Heap {
	return o.heap
}
