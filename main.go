package main

import (
	"os"

	"github.com/Rysertio/screenstreaming/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
