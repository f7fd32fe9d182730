package ghost

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gitlab.com/stephen-fox/uafkit/heapsim"
	"golang.org/x/sys/unix"
)

const testSecret = "flag{ghostlight_kprobe_uaf}"

func newTestDevice(t *testing.T, secret string, logs *bytes.Buffer) *Device {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "flag")

	if secret != "" {
		err := os.WriteFile(secretPath, []byte(secret), 0o600)
		if err != nil {
			t.Fatal(err)
		}
	}

	config := DeviceConfig{
		SecretPath: secretPath,
	}

	if logs != nil {
		config.OptLogger = log.New(logs, "", 0)
	}

	return NewDevice(config)
}

func commitCreds(t *testing.T) uint64 {
	t.Helper()

	addr, err := KernelSymbol(CommitCreds)
	if err != nil {
		t.Fatal(err)
	}

	return addr
}

func expectErrno(t *testing.T, err error, exp unix.Errno) {
	t.Helper()

	var errnoErr *ErrnoError
	if !errors.As(err, &errnoErr) {
		t.Fatalf("expected *ErrnoError with %s - got %v", unix.ErrnoName(exp), err)
	}

	if errnoErr.Errno != exp {
		t.Fatalf("expected %s - got %s", unix.ErrnoName(exp), unix.ErrnoName(errnoErr.Errno))
	}
}

func flagRequest(n uint32) FlagRequest {
	return FlagRequest{
		Buf: 0x7ffc0000,
		Len: n,
	}
}

func TestIoctlNumbers(t *testing.T) {
	exp := map[uint32]uint32{
		CmdArm:      0x40084701,
		CmdFree:     0x4702,
		CmdSpray:    0x40084703,
		CmdHookOn:   0x4704,
		CmdHookOff:  0x4705,
		CmdReadFlag: 0x40084706,
	}

	for cmd, value := range exp {
		if cmd != value {
			t.Fatalf("expected %s to be 0x%x - got 0x%x", CmdName(cmd), value, cmd)
		}
	}
}

func TestKallsyms(t *testing.T) {
	syms := Kallsyms()

	for _, line := range []string{
		"ffffffff81000000 T ghost_nop\n",
		"ffffffff81000010 T commit_creds\n",
		"ffffffff81000020 T ghost_kp_pre\n",
	} {
		if !strings.Contains(syms, line) {
			t.Fatalf("expected kallsyms to contain %q - got:\n%s", line, syms)
		}
	}
}

func TestDevice_FreeSprayFire_CommitsRoot(t *testing.T) {
	d := newTestDevice(t, testSecret, nil)
	task := d.NewTask()

	d.HookOn()

	err := d.Arm(0x41414141)
	if err != nil {
		t.Fatal(err)
	}

	stale := d.Context()

	err = d.Free()
	if err != nil {
		t.Fatal(err)
	}

	err = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t), Arg: 0})
	if err != nil {
		t.Fatal(err)
	}

	if d.Context() != stale {
		t.Fatalf("expected context to stay %s - got %s", stale, d.Context())
	}

	_, err = d.ReadFlag(task, flagRequest(1024))
	expectErrno(t, err, unix.EPERM)

	pid := d.Getpid(task)
	if pid != task.PID {
		t.Fatalf("expected pid %d - got %d", task.PID, pid)
	}

	if !task.Root() {
		t.Fatal("expected task to have root credentials")
	}

	flag, err := d.ReadFlag(task, flagRequest(1024))
	if err != nil {
		t.Fatal(err)
	}

	if string(flag) != testSecret {
		t.Fatalf("expected %q - got %q", testSecret, flag)
	}

	other := d.NewTask()

	_, err = d.ReadFlag(other, flagRequest(1024))
	expectErrno(t, err, unix.EPERM)
}

func TestDevice_CommitCreds_NonZeroArg(t *testing.T) {
	d := newTestDevice(t, testSecret, nil)
	task := d.NewTask()

	d.HookOn()

	_ = d.Arm(0)
	_ = d.Free()

	err := d.Spray(SprayRequest{Count: 8, Fn: commitCreds(t), Arg: 0xffff888000001000})
	if err != nil {
		t.Fatal(err)
	}

	d.Getpid(task)

	if task.Root() {
		t.Fatal("task should not have root credentials")
	}
}

func TestDevice_ReadFlag_Length(t *testing.T) {
	d := newTestDevice(t, testSecret, nil)
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t)})
	d.Getpid(task)

	flag, err := d.ReadFlag(task, flagRequest(4))
	if err != nil {
		t.Fatal(err)
	}

	if string(flag) != testSecret[:4] {
		t.Fatalf("expected %q - got %q", testSecret[:4], flag)
	}
}

func TestDevice_ReadFlag_Errors(t *testing.T) {
	d := newTestDevice(t, "", nil)
	task := d.NewTask()

	_, err := d.ReadFlag(task, FlagRequest{Len: 16})
	expectErrno(t, err, unix.EINVAL)

	_, err = d.ReadFlag(task, flagRequest(0))
	expectErrno(t, err, unix.EINVAL)

	_, err = d.ReadFlag(task, flagRequest(MaxFlagLen+1))
	expectErrno(t, err, unix.EINVAL)

	_, err = d.ReadFlag(task, flagRequest(MaxFlagLen))
	expectErrno(t, err, unix.EPERM)

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t)})
	d.Getpid(task)

	_, err = d.ReadFlag(task, flagRequest(MaxFlagLen))
	expectErrno(t, err, unix.ENOENT)
}

func TestDevice_Free_DoubleFree(t *testing.T) {
	logs := bytes.NewBuffer(nil)
	d := newTestDevice(t, "", logs)

	err := d.Free()
	if err != nil {
		t.Fatalf("free without a context failed - %s", err)
	}

	_ = d.Arm(1)

	err = d.Free()
	if err != nil {
		t.Fatal(err)
	}

	err = d.Free()
	expectErrno(t, err, unix.EFAULT)

	if d.Oopses() != 1 {
		t.Fatalf("expected 1 oops - got %d", d.Oopses())
	}

	if !strings.Contains(logs.String(), "double free") {
		t.Fatalf("expected double free oops - got:\n%s", logs.String())
	}
}

func TestDevice_Arm_LeaksPreviousContext(t *testing.T) {
	d := newTestDevice(t, "", nil)

	_ = d.Arm(1)
	first := d.Context()

	_ = d.Arm(2)

	if d.Context() == first {
		t.Fatal("expected a new context")
	}

	stats := d.Heap().Stats()
	if stats.Live != 2 || stats.Frees != 0 {
		t.Fatalf("expected 2 live glows and no frees - got %+v", stats)
	}

	arg, err := d.Heap().ReadUint64(d.Context() + ArgOffset)
	if err != nil {
		t.Fatal(err)
	}

	if arg != 2 {
		t.Fatalf("expected arg 2 - got %d", arg)
	}
}

func TestDevice_Spray_Errors(t *testing.T) {
	d := NewDevice(DeviceConfig{HeapLimit: 10 * 64})

	for _, count := range []uint32{0, MaxSprayCount + 1} {
		err := d.Spray(SprayRequest{Count: count})
		expectErrno(t, err, unix.EINVAL)
	}

	err := d.Spray(SprayRequest{Count: 10})
	if err != nil {
		t.Fatal(err)
	}

	err = d.Spray(SprayRequest{Count: 1})
	expectErrno(t, err, unix.ENOMEM)

	err = d.Arm(0)
	expectErrno(t, err, unix.ENOMEM)
}

func TestDevice_Spray_ReclaimsContext(t *testing.T) {
	d := newTestDevice(t, "", nil)

	_ = d.Arm(0)
	_ = d.Free()

	err := d.Spray(SprayRequest{Count: 1, Fn: 0x4141414141414141, Arg: 0x4242})
	if err != nil {
		t.Fatal(err)
	}

	for off, exp := range map[heapsim.Addr]uint64{FnOffset: 0x4141414141414141, ArgOffset: 0x4242} {
		got, err := d.Heap().ReadUint64(d.Context() + off)
		if err != nil {
			t.Fatal(err)
		}

		if got != exp {
			t.Fatalf("expected 0x%x at +0x%x - got 0x%x", exp, off, got)
		}
	}
}

func TestDevice_ReadFlag_KernelBufferFreedTwice(t *testing.T) {
	logs := bytes.NewBuffer(nil)
	d := newTestDevice(t, "", logs)
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t)})
	d.Getpid(task)

	// The secret is a FIFO so that ReadFlag blocks with its
	// kernel buffer allocated.
	secretPath := filepath.Join(t.TempDir(), "fifo")
	err := unix.Mkfifo(secretPath, 0o600)
	if err != nil {
		t.Skipf("mkfifo failed - %s", err)
	}

	d.config.SecretPath = secretPath

	// kmalloc reuses the last freed chunk of a class.
	kbuf, err := d.Heap().Malloc(16)
	if err != nil {
		t.Fatal(err)
	}

	_ = d.Heap().Free(kbuf)

	type result struct {
		flag []byte
		err  error
	}

	done := make(chan result, 1)
	go func() {
		flag, err := d.ReadFlag(task, flagRequest(16))
		done <- result{flag: flag, err: err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, ok := d.Heap().Chunk(kbuf)
		if ok && !info.Free {
			break
		}

		if time.Now().After(deadline) {
			t.Fatal("ReadFlag did not allocate its kernel buffer")
		}

		time.Sleep(time.Millisecond)
	}

	err = d.Heap().Free(kbuf)
	if err != nil {
		t.Fatal(err)
	}

	writer, err := os.OpenFile(secretPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	_, _ = writer.WriteString(testSecret)
	_ = writer.Close()

	res := <-done

	expectErrno(t, res.err, unix.EFAULT)

	if res.flag != nil {
		t.Fatalf("expected no flag - got %q", res.flag)
	}

	if d.Oopses() != 1 {
		t.Fatalf("expected 1 oops - got %d", d.Oopses())
	}

	if !strings.Contains(logs.String(), "kfree("+kbuf.String()+")") {
		t.Fatalf("expected kfree oops - got:\n%s", logs.String())
	}
}

func TestDevice_Fire_AfterFreeWithoutSpray(t *testing.T) {
	d := newTestDevice(t, "", nil)
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0x1337)
	_ = d.Free()

	d.Getpid(task)

	if d.HookFires() != 1 {
		t.Fatalf("expected 1 hook fire - got %d", d.HookFires())
	}

	if d.Oopses() != 0 {
		t.Fatalf("expected no oops - got %d", d.Oopses())
	}
}

func TestDevice_Fire_Poisoned(t *testing.T) {
	logs := bytes.NewBuffer(nil)

	d := NewDevice(DeviceConfig{
		Poison:    true,
		OptLogger: log.New(logs, "", 0),
	})
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()

	d.Getpid(task)

	if d.Oopses() != 1 {
		t.Fatalf("expected 1 oops - got %d", d.Oopses())
	}

	if !strings.Contains(logs.String(), "0xdededededededede") {
		t.Fatalf("expected poisoned rip in oops - got:\n%s", logs.String())
	}
}

func TestDevice_Fire_UnknownFunction(t *testing.T) {
	logs := bytes.NewBuffer(nil)
	d := newTestDevice(t, "", logs)
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: 0x4141414141414141})

	pid := d.Getpid(task)
	if pid != task.PID {
		t.Fatalf("expected getpid to continue after oops - got %d", pid)
	}

	if d.Oopses() != 1 {
		t.Fatalf("expected 1 oops - got %d", d.Oopses())
	}

	report := logs.String()

	for _, s := range []string{
		"RIP: 0010:0x4141414141414141 (unmapped)",
		"chunk allocated",
		"ghost_kp_pre+0x8",
		"call rax",
	} {
		if !strings.Contains(report, s) {
			t.Fatalf("expected oops to contain %q - got:\n%s", s, report)
		}
	}
}

func TestDevice_Fire_MisalignedKernelAddress(t *testing.T) {
	logs := bytes.NewBuffer(nil)
	d := newTestDevice(t, "", logs)
	task := d.NewTask()

	d.HookOn()
	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t) + 1})

	d.Getpid(task)

	if task.Root() {
		t.Fatal("task should not have root credentials")
	}

	if !strings.Contains(logs.String(), "(commit_creds+0x1)") {
		t.Fatalf("expected symbolized rip - got:\n%s", logs.String())
	}
}

func TestDevice_HookOff(t *testing.T) {
	d := newTestDevice(t, "", nil)
	task := d.NewTask()

	_ = d.Arm(0)
	_ = d.Free()
	_ = d.Spray(SprayRequest{Count: 1, Fn: commitCreds(t)})

	d.Getpid(task)

	d.HookOn()
	d.HookOff()

	d.Getpid(task)

	if task.Root() || d.HookFires() != 0 {
		t.Fatalf("hook fired while disabled (%d fires)", d.HookFires())
	}
}

func TestDevice_Ioctl(t *testing.T) {
	d := newTestDevice(t, "", nil)
	task := d.NewTask()

	_, err := d.Ioctl(task, 0x4707, nil)
	expectErrno(t, err, unix.ENOTTY)

	_, err = d.Ioctl(task, CmdArm, []byte{1, 2, 3})
	expectErrno(t, err, unix.EINVAL)

	_, err = d.Ioctl(task, CmdSpray, make([]byte, 8))
	expectErrno(t, err, unix.EFAULT)

	_, err = d.Ioctl(task, CmdReadFlag, nil)
	expectErrno(t, err, unix.EFAULT)

	_, err = d.Ioctl(task, CmdHookOn, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !d.HookEnabled() {
		t.Fatal("expected hook to be enabled")
	}

	_, err = d.Ioctl(task, CmdArm, []byte{0x37, 0x13, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}

	arg, _ := d.Heap().ReadUint64(d.Context() + ArgOffset)
	if arg != 0x1337 {
		t.Fatalf("expected arg 0x1337 - got 0x%x", arg)
	}
}

// The hook reads the context while another task frees and reclaims
// it. Every glow the hook can observe is zeroed, freed, or holds
// ghost_nop, so no oops is possible.
func TestDevice_FreeFireRace(t *testing.T) {
	d := newTestDevice(t, "", nil)
	task := d.NewTask()

	nop, err := KernelSymbol(GhostNop)
	if err != nil {
		t.Fatal(err)
	}

	d.HookOn()

	const iterations = 2000

	wg := sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()

		for i := 0; i < iterations; i++ {
			_ = d.Arm(uint64(i))
			_ = d.Free()
			_ = d.Spray(SprayRequest{Count: 1, Fn: nop})
		}
	}()

	go func() {
		defer wg.Done()

		for i := 0; i < iterations; i++ {
			d.Getpid(task)
		}
	}()

	wg.Wait()

	if d.Oopses() != 0 {
		t.Fatalf("expected no oops - got %d", d.Oopses())
	}

	stats := d.Heap().Stats()
	if stats.Frees != iterations {
		t.Fatalf("expected %d frees - got %d", iterations, stats.Frees)
	}

	if task.Root() {
		t.Fatal("task should not have root credentials")
	}
}
