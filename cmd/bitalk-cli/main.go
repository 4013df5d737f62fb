package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cli := NewCLIWithDefaults()
	defer cli.Close()

	var err error

	switch os.Args[1] {
	case "nearby":
		err = cli.Nearby()
	case "status":
		err = cli.Status()
	case "profile":
		err = cli.Profile()
	case "init":
		err = cli.Init(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
