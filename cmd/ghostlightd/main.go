package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/stephen-fox/uafkit/ghost"
	"golang.org/x/sys/unix"
)

const (
	appName = "ghostlightd"
	usage   = appName + `
DESCRIPTION
  Simulates the Ghostlight kernel module and exposes it on a unix
  socket. All clients share one device. Each client is a separate
  task with its own credentials.

  The device's getpid hook reads the shared context pointer without
  taking the device lock, so a client can free the context while
  another client's system call is using it.

USAGE
  ` + appName + ` [options]

EXAMPLES
  Run with the default socket and kernel log on stderr:
    $ ` + appName + `

  Export metrics and trace all traffic:
    $ ` + appName + ` -metrics 127.0.0.1:9102 -trace

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
	socketPath := flag.String(
		"s",
		ghost.DefaultSocketPath,
		"The unix socket to listen on")
	secretPath := flag.String(
		"secret",
		ghost.DefaultSecretPath,
		"The file disclosed by the readflag command")
	heapLimit := flag.Int(
		"heap-limit",
		64<<20,
		"The size of the kernel heap in bytes")
	poison := flag.Bool(
		"poison",
		false,
		"Fill freed objects with 0xde")
	trace := flag.Bool(
		"trace",
		false,
		"Log hexdumps of all traffic to stderr")
	metricsAddr := flag.String(
		"metrics",
		"",
		"Serve Prometheus metrics at this address (e.g., 127.0.0.1:9102)")
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

	logger := log.New(os.Stderr, "[ghostlight] ", log.LstdFlags)

	var metrics *ghost.Metrics

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		metrics = ghost.NewMetrics(reg)

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

	device := ghost.NewDevice(ghost.DeviceConfig{
		SecretPath: *secretPath,
		HeapLimit:  *heapLimit,
		Poison:     *poison,
		OptLogger:  logger,
		OptMetrics: metrics,
	})

	config := ghost.ServerConfig{
		Device:     device,
		OptLogger:  logger,
		OptMetrics: metrics,
	}

	if *trace {
		config.OptTraceLogger = log.New(os.Stderr, "[trace] ", 0)
	}

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancelFn()

	ln, err := ghost.Listen(ctx, *socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen - %w", err)
	}
	defer os.Remove(*socketPath)

	logger.Printf("loaded. device=%s (hook on getpid)", *socketPath)

	err = ghost.NewServer(config).Serve(ctx, ln)

	stats := device.Heap().Stats()
	logger.Printf("unloaded. %d hook fires, %d oopses, %d live objects",
		device.HookFires(), device.Oopses(), stats.Live)

	return err
}
