package choir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"gitlab.com/stephen-fox/uafkit/iokit"
	"gitlab.com/stephen-fox/uafkit/wire"
)

// Session runs the request dispatch loop for one client.
type Session struct {
	// Name identifies the session in log messages.
	Name string

	// Arena is owned by the session.
	Arena *Arena

	// RW is the client connection.
	RW io.ReadWriter

	// MaxArgLen limits request arguments.
	// wire.DefaultMaxArgLen is used if zero.
	MaxArgLen int

	// OptLogger logs session events.
	OptLogger *log.Logger

	// OptTraceLogger receives hexdumps of all traffic.
	OptTraceLogger *log.Logger

	// OptMetrics records requests.
	OptMetrics *Metrics
}

// Run serves requests sequentially until the client disconnects,
// a frame is malformed, a fatal error occurs, or ctx is done.
// A clean disconnect returns nil. A read that is blocked when ctx
// is done only returns once RW is closed or its deadline passes,
// and ctx's error is returned in that case.
func (o *Session) Run(ctx context.Context) error {
	rw := o.RW
	if o.OptTraceLogger != nil {
		rw = &iokit.TraceReadWriter{
			RW:         o.RW,
			Name:       o.Name,
			OptLoggerR: o.OptTraceLogger,
			OptLoggerW: o.OptTraceLogger,
		}
	}

	for {
		err := ctx.Err()
		if err != nil {
			return err
		}

		req, err := wire.ReadRequest(rw, o.MaxArgLen)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("failed to read request - %w", err)
		}

		gateWasOpen := o.Arena.GateOpen()
		crashes := o.Arena.Crashes()
		sprayed := o.Arena.SprayCount()

		resp, err := o.Arena.Handle(req)

		o.OptMetrics.sprayed(o.Arena.SprayCount() - sprayed)
		o.OptMetrics.crashed(o.Arena.Crashes() - crashes)

		if err != nil {
			return err
		}

		o.OptMetrics.request(req.Op, Status(resp.Status))

		if !gateWasOpen && o.Arena.GateOpen() {
			o.OptMetrics.gateOpened()

			if o.OptLogger != nil {
				o.OptLogger.Printf("%s: gate opened", o.Name)
			}
		}

		err = wire.WriteResponse(rw, resp)
		if err != nil {
			return fmt.Errorf("failed to write response - %w", err)
		}
	}
}
