package main

import (
	"os"

	"github.com/zerobrew/zb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
