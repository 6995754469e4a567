package main

import (
	"os"

	"github.com/hotswap-go/hotswap/cmd/hotswap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
