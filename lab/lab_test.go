package lab

import (
	"bytes"
	"context"
	"encoding/binary"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/uafkit/iokit"
	"gitlab.com/stephen-fox/uafkit/memory"
	"gitlab.com/stephen-fox/uafkit/pattern"
	"gitlab.com/stephen-fox/uafkit/process"
)

const testSecret = "flag{the_floor_is_lava}"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *syncBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.buf.Write(p)
}

func (o *syncBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.buf.String()
}

func writeSecret(t *testing.T, dir string, name string, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// serveTestProgram serves p on a loopback address and returns
// the address and the server's log.
func serveTestProgram(t *testing.T, p Program, config Config) (string, *syncBuffer) {
	t.Helper()

	logs := &syncBuffer{}
	config.OptLogger = log.New(logs, "", 0)

	ctx, cancelFn := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, p, config)
	}()

	t.Cleanup(func() {
		cancelFn()
		require.NoError(t, <-done)
	})

	return ln.Addr().String(), logs
}

func dialTestProgram(t *testing.T, addr string) *process.Process {
	t.Helper()

	proc, err := process.Dial("tcp", addr)
	require.NoError(t, err)

	require.NoError(t, proc.SetDeadline(time.Now().Add(10*time.Second)))

	t.Cleanup(func() {
		_ = proc.Close()
	})

	return proc
}

func readUntil(t *testing.T, proc *process.Process, str string) string {
	t.Helper()

	b, err := proc.ReadUntil([]byte(str))
	require.NoError(t, err)

	return string(b)
}

func writeLine(t *testing.T, proc *process.Process, line string) {
	t.Helper()

	require.NoError(t, proc.WriteLine([]byte(line)))
}

func notesCommand(t *testing.T, proc *process.Process, choice string, prompts ...string) string {
	t.Helper()

	readUntil(t, proc, "Pick one: ")
	writeLine(t, proc, choice)

	for i := 0; i+1 < len(prompts); i += 2 {
		readUntil(t, proc, prompts[i])
		writeLine(t, proc, prompts[i+1])
	}

	line, err := proc.ReadLine()
	require.NoError(t, err)

	return strings.TrimSpace(string(line))
}

func requireCat(t *testing.T) {
	t.Helper()

	_, err := exec.LookPath(DefaultCatPath)
	if err != nil {
		t.Skipf("%s is not installed - %s", DefaultCatPath, err)
	}
}

func TestNotes_OverflowRewritesFilename(t *testing.T) {
	requireCat(t)

	home := t.TempDir()
	writeSecret(t, home, NotesFilename, "not the flag")
	writeSecret(t, home, "f", testSecret)

	addr, logs := serveTestProgram(t, Notes{}, Config{HomeDir: home})
	proc := dialTestProgram(t, addr)

	assert.Equal(t, "Saved as note #0.",
		notesCommand(t, proc, "1", "Size (bytes): ", "32", "Write: ", "first"))
	assert.Equal(t, "Saved as note #1.",
		notesCommand(t, proc, "1", "Size (bytes): ", "32", "Write: ", "second"))

	// The file name reuses note #1's chunk, right after note #0.
	assert.Equal(t, "Freed.", notesCommand(t, proc, "2", "Note ID to delete: ", "1"))
	assert.Equal(t, "Filename set.", notesCommand(t, proc, "3"))

	assert.Equal(t, "Freed.", notesCommand(t, proc, "2", "Note ID to delete: ", "0"))
	assert.Equal(t, "Saved as note #0.",
		notesCommand(t, proc, "1", "Size (bytes): ", "32", "Write: ", strings.Repeat("A", 32)+"f"))

	assert.Equal(t, "Retrieved.", notesCommand(t, proc, "4"))

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, testSecret, string(rest))

	assert.Contains(t, logs.String(), `running cat "f"`)
}

func TestNotes_Cat(t *testing.T) {
	requireCat(t)

	home := t.TempDir()
	writeSecret(t, home, NotesFilename, "not the flag")

	addr, _ := serveTestProgram(t, Notes{}, Config{HomeDir: home})
	proc := dialTestProgram(t, addr)

	assert.Equal(t, "File not set.", notesCommand(t, proc, "4"))
	assert.Equal(t, "Filename set.", notesCommand(t, proc, "3"))
	assert.Equal(t, "Retrieved.", notesCommand(t, proc, "4"))

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "not the flag", string(rest))
}

func TestNotes_Errors(t *testing.T) {
	addr, _ := serveTestProgram(t, Notes{}, Config{})
	proc := dialTestProgram(t, addr)

	assert.Equal(t, "Invalid option.", notesCommand(t, proc, "9"))
	assert.Equal(t, "Invalid option.", notesCommand(t, proc, "menu"))
	assert.Equal(t, "Too big.", notesCommand(t, proc, "1", "Size (bytes): ", "0"))
	assert.Equal(t, "Too big.", notesCommand(t, proc, "1", "Size (bytes): ", "4097"))
	assert.Equal(t, "Invalid id.", notesCommand(t, proc, "2", "Note ID to delete: ", "16"))
	assert.Equal(t, "Invalid id.", notesCommand(t, proc, "2", "Note ID to delete: ", "0"))

	for i := 0; i < NoteSlots; i++ {
		assert.Equal(t, "Saved as note #"+strconv.Itoa(i)+".",
			notesCommand(t, proc, "1", "Size (bytes): ", "8", "Write: ", "x"))
	}

	assert.Equal(t, "No space.", notesCommand(t, proc, "1"))
}

func TestLava_Echo(t *testing.T) {
	addr, logs := serveTestProgram(t, Lava{}, Config{})
	proc := dialTestProgram(t, addr)

	readUntil(t, proc, "> ")
	writeLine(t, proc, "hello")

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "You said: hello\n", string(rest))

	assert.Contains(t, logs.String(), "lava exited\n")
}

func TestLava_PatternFindsReturnAddress(t *testing.T) {
	addr, logs := serveTestProgram(t, Lava{}, Config{})
	proc := dialTestProgram(t, addr)

	generator := &pattern.DeBruijn{}

	payload, err := generator.Pattern(200)
	require.NoError(t, err)

	readUntil(t, proc, "> ")
	writeLine(t, proc, string(payload))

	_, err = proc.ReadAll()
	require.NoError(t, err)

	report := logs.String()
	require.Contains(t, report, "SIGSEGV: ret in main jumped to 0x")
	assert.Contains(t, report, "=> ")

	i := strings.Index(report, "jumped to 0x") + len("jumped to 0x")
	end := strings.IndexByte(report[i:], ' ')

	rip, err := strconv.ParseUint(report[i:i+end], 16, 64)
	require.NoError(t, err)

	fragment := make([]byte, 8)
	binary.LittleEndian.PutUint64(fragment, rip)

	offset, err := generator.Offset(fragment)
	require.NoError(t, err)
	assert.Equal(t, LavaReturnOffset, offset)
}

func TestLava_ReturnToWin(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeSecret(t, dir, "flag", testSecret+"\nsecond line\n")

	addr, logs := serveTestProgram(t, Lava{}, Config{SecretPath: secretPath})
	proc := dialTestProgram(t, addr)

	symbols := LavaSymbols()
	pm := memory.PointerMakerForX86_64()

	mainAddr := symbols.AddressOrExit(LavaMain)

	payload := iokit.NewPayloadBuilder().
		RepeatString("A", LavaReturnOffset).
		Pointer(pm.FromUint(mainAddr + lavaMainRetOffset)).
		Pointer(pm.FromUint(symbols.AddressOrExit(LavaWin))).
		Pointer(pm.FromUint(LavaReturnAddr)).
		Build()

	readUntil(t, proc, "> ")
	writeLine(t, proc, string(payload))

	rest, err := proc.ReadAll()
	require.NoError(t, err)

	assert.Contains(t, string(rest), "FLAG: "+testSecret+"\n\n")
	assert.NotContains(t, string(rest), "second line")
	assert.Contains(t, logs.String(), "returned to win")
	assert.NotContains(t, logs.String(), "SIGSEGV")
}

func TestLava_WinWithoutSecret(t *testing.T) {
	addr, _ := serveTestProgram(t, Lava{}, Config{SecretPath: filepath.Join(t.TempDir(), "missing")})
	proc := dialTestProgram(t, addr)

	pm := memory.PointerMakerForX86_64()

	payload := iokit.NewPayloadBuilder().
		RepeatString("B", LavaReturnOffset).
		Pointer(pm.FromUint(LavaSymbols().AddressOrExit(LavaWin))).
		Build()

	readUntil(t, proc, "> ")
	writeLine(t, proc, string(payload))

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Contains(t, string(rest), "You reached win()! (no /flag found)\n")
}

func TestHeartbeat_OverRead(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeSecret(t, dir, "flag", testSecret)

	addr, logs := serveTestProgram(t, Heartbeat{}, Config{SecretPath: secretPath})
	proc := dialTestProgram(t, addr)

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "5:HELLO")
	readUntil(t, proc, "response...\n")

	resp, err := proc.ReadN(5)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(resp))

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "224:x")
	readUntil(t, proc, "response...\n")

	frame, err := proc.ReadN(HeartbeatFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "x\x00LLO", string(frame[:5]))
	assert.Equal(t, heartbeatPadMarker, string(frame[HeartbeatPadOffset:HeartbeatPadOffset+6]))
	assert.Equal(t, testSecret, string(bytes.TrimRight(frame[HeartbeatFlagOffset:], "\x00")))

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "100000:y")
	readUntil(t, proc, "response...\n")

	stack, err := proc.ReadN(HeartbeatStackSize)
	require.NoError(t, err)
	assert.Equal(t, byte('y'), stack[0])

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "0:bye")
	readUntil(t, proc, "response...\n")

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.Contains(t, logs.String(), "heartbeat over-read: 224 bytes requested, 224 sent")
	assert.Contains(t, logs.String(), "heartbeat over-read: 100000 bytes requested, 512 sent")
}

func TestHeartbeat_MissingFlagAndBadRequest(t *testing.T) {
	addr, _ := serveTestProgram(t, Heartbeat{},
		Config{SecretPath: filepath.Join(t.TempDir(), "missing")})
	proc := dialTestProgram(t, addr)

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "128:z")
	readUntil(t, proc, "response...\n")

	frame, err := proc.ReadN(128)
	require.NoError(t, err)
	assert.Equal(t, heartbeatNoFlagText[:32], string(frame[HeartbeatFlagOffset:]))

	readUntil(t, proc, "request...\n")
	writeLine(t, proc, "no colon")

	rest, err := proc.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestRun_Alarm(t *testing.T) {
	server, client := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Heartbeat{}, "alarm", server, Config{
			SecretPath: filepath.Join(t.TempDir(), "missing"),
			Alarm:      50 * time.Millisecond,
		})
	}()

	proc := process.FromNetConn(client)
	defer proc.Close()

	readUntil(t, proc, "request...\n")
	readUntil(t, proc, "Timeout\n")

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAlarm)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after the alarm")
	}

	_, err := proc.ReadByte()
	require.Error(t, err)
}
