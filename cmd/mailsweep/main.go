package main

import (
	"os"

	"github.com/fameoflight/mailsweep/cmd/mailsweep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
