package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/stephen-fox/uafkit/choir"
	"golang.org/x/sys/unix"
)

const (
	appName = "choird"
	usage   = appName + `
DESCRIPTION
  Serves the "Choir Invisible" slotted object arena over TCP. Each
  connection gets its own arena of 128 slots backed by a simulated heap.
  Freeing an object leaves its slot pointing at the released memory.

USAGE
  ` + appName + ` [options]

EXAMPLES
  Serve on all interfaces and export metrics:
    $ ` + appName + ` -l 0.0.0.0:31337 -metrics 127.0.0.1:9101

  Serve a single session on stdin and stdout (e.g., behind socat):
    $ ` + appName + ` -stdio

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	listenAddr := flag.String(
		"l",
		"127.0.0.1:31337",
		"The TCP address to listen on")
	secretPath := flag.String(
		"secret",
		choir.DefaultSecretPath,
		"The file disclosed by ReadSecret once give_root runs")
	timeout := flag.Duration(
		"timeout",
		0,
		"End sessions after this long (e.g., 60s). Zero disables the timeout")
	heapLimit := flag.Int(
		"heap-limit",
		64<<20,
		"The maximum number of bytes each session's heap may map")
	poison := flag.Bool(
		"poison",
		false,
		"Fill freed chunks with 0xde before the free list link is written")
	maxArgLen := flag.Int(
		"max-arg",
		0,
		"Maximum request argument length. Zero uses the protocol default")
	trace := flag.Bool(
		"trace",
		false,
		"Log hexdumps of all traffic to stderr")
	metricsAddr := flag.String(
		"metrics",
		"",
		"Serve Prometheus metrics at this address (e.g., 127.0.0.1:9101)")
	stdio := flag.Bool(
		"stdio",
		false,
		"Serve a single session on stdin and stdout instead of listening")
	help := flag.Bool(
		"h",
		false,
		"Display this information")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "[choir-invisible] ", log.LstdFlags)

	config := choir.ServerConfig{
		Arena: choir.ArenaConfig{
			SecretPath: *secretPath,
			HeapLimit:  *heapLimit,
			Poison:     *poison,
		},
		SessionTimeout: *timeout,
		MaxArgLen:      *maxArgLen,
		OptLogger:      logger,
	}

	if *trace {
		config.OptTraceLogger = log.New(os.Stderr, "[trace] ", 0)
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		config.OptMetrics = choir.NewMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		go func() {
			logger.Printf("serving metrics on http://%s/metrics", *metricsAddr)

			err := http.ListenAndServe(*metricsAddr, mux)
			if err != nil {
				logger.Printf("metrics server failed - %s", err)
			}
		}()
	}

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancelFn()

	server := choir.NewServer(config)

	if *stdio {
		err := server.ServeRW(ctx, "stdio", stdioRW{
			Reader: os.Stdin,
			Writer: os.Stdout,
			logger: logger,
		})
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return nil
	}

	ln, err := choir.Listen(ctx, *listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen - %w", err)
	}

	logger.Printf("listening on %s", ln.Addr())

	start := time.Now()

	err = server.Serve(ctx, ln)

	logger.Printf("stopped after %s", time.Since(start).Round(time.Second))

	return err
}

type stdioRW struct {
	io.Reader
	io.Writer
	logger *log.Logger
}

// Close is called when the session times out or a signal arrives.
// Closing os.Stdin does not interrupt a blocked read, so the
// process exits instead.
func (o stdioRW) Close() error {
	o.logger.Println("stdio: session ended by timeout or signal")
	os.Exit(0)
	return nil
}
