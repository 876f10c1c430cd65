package main

import (
	"os"

	"github.com/baaaht/portmux/cmd"
)

func main() {
	cmd.Execute()
	os.Exit(0)
}
