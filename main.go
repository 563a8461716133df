package main

import (
	"os"

	"github.com/jonesrussell/sumi-ripple/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
