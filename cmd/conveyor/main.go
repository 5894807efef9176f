package main

import (
	"fmt"
	"os"

	"github.com/concourse/conveyor"
	flags "github.com/jessevdk/go-flags"
)

func main() {
	var cmd ConveyorCommand

	cmd.Version = func() {
		fmt.Printf("Conveyor %s\n", conveyor.Version)
		os.Exit(0)
	}

	parser := flags.NewParser(&cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	handleError(err)
}

func handleError(err error) {
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}

		os.Exit(1)
	}
}
