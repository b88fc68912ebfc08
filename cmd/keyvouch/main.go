package main

import (
	"os"

	"github.com/keyvouch/keyvouch/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
