package lab

import (
	"context"
	"io"
	"os"
)

const (
	// Stack frame of serve: data[64] | pad[32] | flag[128].
	HeartbeatDataSize   = 64
	HeartbeatPadOffset  = 64
	HeartbeatFlagOffset = 96
	HeartbeatFlagSize   = 128
	HeartbeatFrameSize  = 224

	// HeartbeatStackSize is the number of mapped bytes from the
	// start of data to the top of the stack. Responses are
	// clamped to it.
	HeartbeatStackSize = 0x200

	heartbeatTokenMax   = HeartbeatDataSize - 1
	heartbeatPadMarker  = "LEAK->"
	heartbeatNoFlagText = "Flag missing. Notify @CTF_Admin\n"
)

// Heartbeat answers "N:TOKEN" requests by copying TOKEN into a
// 64-byte buffer and sending back N bytes starting at that buffer,
// without checking N against the buffer's size. The secret sits
// 96 bytes past the start of the buffer.
type Heartbeat struct{}

func (Heartbeat) Name() string {
	return "heartbeat"
}

func (Heartbeat) TimeoutMessage() string {
	return "Timeout"
}

func (o Heartbeat) Run(ctx context.Context, s *Session) error {
	stack := make([]byte, HeartbeatStackSize)
	copy(stack[HeartbeatPadOffset:], heartbeatPadMarker)

	flag := stack[HeartbeatFlagOffset : HeartbeatFlagOffset+HeartbeatFlagSize-1]

	f, err := os.Open(s.Config().SecretPath)
	if err == nil {
		_, _ = io.ReadFull(f, flag)
		_ = f.Close()
	} else {
		copy(flag, heartbeatNoFlagText)
	}

	_ = s.Printf("TLS heartbeat simulator\n")
	_ = s.Printf("  example input: 5:HELLO   (requests 5 bytes of response)\n")

	for {
		err := s.Printf("\nWaiting for heart beat request...\n")
		if err != nil {
			return err
		}

		n, ok, err := s.scanInt()
		if err != nil || !ok {
			return endOfInput(err)
		}

		ok, err = s.expectByte(':')
		if err != nil || !ok {
			return endOfInput(err)
		}

		token, err := s.scanToken(heartbeatTokenMax)
		if err != nil {
			return endOfInput(err)
		}

		copy(stack, token)
		stack[len(token)] = 0

		_ = s.Printf("Sending heart beat response...\n")

		if n > 0 {
			end := n
			if end > len(stack) {
				end = len(stack)
			}

			if n > HeartbeatDataSize {
				s.Logf("heartbeat over-read: %d bytes requested, %d sent", n, end)
			}

			_, err = s.Write(stack[:end])
			if err != nil {
				return err
			}
		}

		if n <= 0 {
			return nil
		}
	}
}
