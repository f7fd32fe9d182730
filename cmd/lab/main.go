package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"gitlab.com/stephen-fox/uafkit/lab"
	"golang.org/x/sys/unix"
)

const (
	appName = "lab"
	usage   = appName + `
DESCRIPTION
  Serves one of the interactive teaching programs over TCP, or on
  stdin and stdout. Programs: %s

    notes      note keeper with an off-by-two heap overflow
    lava       64-byte stack buffer read with fgets(buf, 512)
    heartbeat  echo service that sends back as many bytes as asked

USAGE
  ` + appName + ` [options] PROGRAM

EXAMPLES
  Serve the heartbeat program:
    $ ` + appName + ` -l 0.0.0.0:1337 -secret /flag heartbeat

  Run the note keeper on the terminal:
    $ ` + appName + ` -stdio -home /tmp/notes notes

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
		"127.0.0.1:1337",
		"The TCP address to listen on")
	secretPath := flag.String(
		"secret",
		lab.DefaultSecretPath,
		"The file read by lava's win function and heartbeat")
	homeDir := flag.String(
		"home",
		"",
		"The working directory of programs run by notes (default $HOME)")
	catPath := flag.String(
		"cat",
		lab.DefaultCatPath,
		"The program notes runs to print a file")
	alarm := flag.Duration(
		"alarm",
		lab.DefaultAlarm,
		"End sessions after this long. Negative disables the alarm")
	stdio := flag.Bool(
		"stdio",
		false,
		"Run a single session on stdin and stdout instead of listening")
	help := flag.Bool(
		"h",
		false,
		"Display this information")

	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, usage, strings.Join(lab.Names(), ", "))
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("please specify a program (%s)", strings.Join(lab.Names(), ", "))
	}

	program, err := lab.Lookup(flag.Arg(0))
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "["+program.Name()+"] ", log.LstdFlags)

	config := lab.Config{
		SecretPath: *secretPath,
		HomeDir:    *homeDir,
		CatPath:    *catPath,
		Alarm:      *alarm,
		OptLogger:  logger,
	}

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancelFn()

	if *stdio {
		// A blocked read of stdin cannot be interrupted, so the
		// alarm exits like the SIGALRM handler it replaces.
		config.OptAlarmFn = func() {
			os.Exit(0)
		}

		err := lab.Run(ctx, program, "stdio", stdioRW{
			Reader: os.Stdin,
			Writer: os.Stdout,
		}, config)
		if err != nil && !errors.Is(err, lab.ErrCrashed) {
			return err
		}

		return nil
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen - %w", err)
	}

	logger.Printf("serving %s on %s", program.Name(), ln.Addr())

	return lab.Serve(ctx, ln, program, config)
}

type stdioRW struct {
	io.Reader
	io.Writer
}
