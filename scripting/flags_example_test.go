package scripting_test

import (
	"flag"
	"os"

	"gitlab.com/stephen-fox/uafkit/scripting"
)

// Note: The formatting of flag.PrintDefaults uses tabs after
// "-<arg>" *unless* it is a datatype. I.e.,
//
//	-V<tab>Log all process input and output
//	-s<space>int
func ExampleParseExploitArgs_help_output() {
	scripting.ParseExploitArgs(scripting.ParseExploitArgsConfig{
		OptDescription: "Exploits the choir service.",

		// Note: The following fields are only required for
		// this example code.
		OptOsArgs:      []string{"example", "-h"},
		OptMainFlagSet: flag.NewFlagSet("example", flag.ContinueOnError),
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.SetOutput(os.Stdout)
		},
		OptExitFn: func(int) {},
	})

	// Output:
	// DESCRIPTION
	//   Exploits the choir service.
	//
	// USAGE
	//   example -h
	//   example [options] local EXE-PATH [EXE-ARGS]
	//   example [options] remote ADDRESS
	//
	// OPTIONS
	//   -V	Log all process input and output
	//   -h	Display this information
	//   -s int
	//     	Pause execution at the specified stage number
	//   -v	Enable verbose logging
}
