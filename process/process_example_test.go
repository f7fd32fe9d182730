package process

import (
	"log"
	"net"
	"os/exec"
)

func ExampleStart() {
	proc, err := Start(exec.Command("cat"))
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	err = proc.WriteLine([]byte("hello world"))
	if err != nil {
		log.Fatalln(err)
	}

	line, err := proc.ReadLine()
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("%s", line)
}

func ExampleDial() {
	proc, err := Dial("tcp4", "127.0.0.1:1337")
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	proc.ReadUntilOrExit([]byte("> "))
	proc.WriteLineOrExit([]byte("1"))
}

func ExampleFromNetConn() {
	c, err := net.Dial("tcp", "127.0.0.1:1337")
	if err != nil {
		log.Fatalln(err)
	}

	proc := FromNetConn(c)
	defer proc.Close()

	proc.WriteLineOrExit([]byte("hello world"))
}
