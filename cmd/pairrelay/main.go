package main

import (
	"os"

	"pairlink/cmd/pairrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
