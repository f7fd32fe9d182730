package scripting

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gitlab.com/stephen-fox/uafkit/process"
)

const (
	verboseArg  = "v"
	logIOArg    = "V"
	stageArg    = "s"
	helpArg     = "h"
	localMode   = "local"
	remoteMode  = "remote"
	defaultDesc = "An exploit."
)

// ParseExploitArgsConfig configures ParseExploitArgs.
type ParseExploitArgsConfig struct {
	// OptDescription is shown in the help output.
	OptDescription string

	// OptOsArgs overrides os.Args.
	OptOsArgs []string

	// OptMainFlagSet overrides flag.CommandLine.
	OptMainFlagSet *flag.FlagSet

	// OptModMainFlagSet is called before the flag set is parsed.
	// It can be used to add exploit-specific flags.
	OptModMainFlagSet func(*flag.FlagSet)

	// OptExitFn overrides os.Exit.
	OptExitFn func(int)

	// OptLogger overrides log.Default for fatal errors.
	OptLogger *log.Logger
}

// ExploitArgs are the parsed common exploit arguments.
type ExploitArgs struct {
	// Mode is either "local" or "remote".
	Mode string

	// Target is the executable path or the remote address.
	Target string

	// Verbose discards writes unless verbose logging was enabled.
	Verbose *log.Logger

	// Stages is configured with the stage number to pause at.
	Stages *StageCtl
}

// ParseExploitArgs parses the command line of an exploit program
// and connects to the target. It calls the exit function if parsing
// or connecting fails. A nil *process.Process is returned if the
// exit function returns.
//
// The supported modes are:
//
//	local EXE-PATH [EXE-ARGS]
//	remote ADDRESS
func ParseExploitArgs(config ParseExploitArgsConfig) (*process.Process, ExploitArgs) {
	logger := log.Default()
	if config.OptLogger != nil {
		logger = config.OptLogger
	}

	if logger.Flags() == log.LstdFlags {
		logger.SetFlags(0)
	}

	exitFn := os.Exit
	if config.OptExitFn != nil {
		exitFn = config.OptExitFn
	}

	proc, args, err := parseExploitArgs(config)
	switch {
	case errors.Is(err, flag.ErrHelp):
		exitFn(1)
		return nil, args
	case err != nil:
		logger.Println("fatal:", err)
		exitFn(1)
		return nil, args
	}

	return proc, args
}

func parseExploitArgs(config ParseExploitArgsConfig) (*process.Process, ExploitArgs, error) {
	osArgs := os.Args
	if len(config.OptOsArgs) > 0 {
		osArgs = config.OptOsArgs
	}

	flagSet := flag.CommandLine
	if config.OptMainFlagSet != nil {
		flagSet = config.OptMainFlagSet
	}

	exeName := filepath.Base(osArgs[0])

	description := defaultDesc
	if config.OptDescription != "" {
		description = config.OptDescription
	}

	help := flagSet.Bool(helpArg, false, "Display this information")
	verbose := flagSet.Bool(verboseArg, false, "Enable verbose logging")
	logIO := flagSet.Bool(logIOArg, false, "Log all process input and output")
	stage := flagSet.Int(stageArg, 0, "Pause execution at the specified stage number")

	if config.OptModMainFlagSet != nil {
		config.OptModMainFlagSet(flagSet)
	}

	flagSet.Usage = func() {
		out := flagSet.Output()

		fmt.Fprintf(out, "DESCRIPTION\n  %s\n\nUSAGE\n", description)
		fmt.Fprintf(out, "  %s -h\n", exeName)
		fmt.Fprintf(out, "  %s [options] %s EXE-PATH [EXE-ARGS]\n", exeName, localMode)
		fmt.Fprintf(out, "  %s [options] %s ADDRESS\n\nOPTIONS\n", exeName, remoteMode)

		flagSet.PrintDefaults()
	}

	var args ExploitArgs

	err := flagSet.Parse(osArgs[1:])
	if err != nil {
		return nil, args, err
	}

	if *help {
		flagSet.Usage()
		return nil, args, flag.ErrHelp
	}

	args.Verbose = log.New(io.Discard, "", 0)
	if *verbose {
		args.Verbose = log.New(os.Stderr, "[verbose] ", 0)
	}

	args.Stages = &StageCtl{
		Goto: *stage,
	}

	if flagSet.NArg() < 2 {
		return nil, args, fmt.Errorf("please specify one of the following:\n  %s EXE-PATH\n  %s ADDRESS",
			localMode, remoteMode)
	}

	args.Mode = flagSet.Arg(0)
	args.Target = flagSet.Arg(1)

	var proc *process.Process

	switch args.Mode {
	case localMode:
		proc, err = process.Start(exec.Command(args.Target, flagSet.Args()[2:]...))
	case remoteMode:
		if flagSet.NArg() > 2 {
			return nil, args, fmt.Errorf("unexpected arguments after address: %s",
				strings.Join(flagSet.Args()[2:], " "))
		}

		proc, err = process.Dial("tcp", args.Target)
	default:
		return nil, args, fmt.Errorf("unknown mode: %q", args.Mode)
	}
	if err != nil {
		return nil, args, fmt.Errorf("failed to connect to %s target %q - %w",
			args.Mode, args.Target, err)
	}

	if *logIO {
		proc.SetLogger(log.New(os.Stderr, "[io] ", 0))
	}

	return proc, args, nil
}
