package main

import (
	"fmt"
	"os"

	"qm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qm:", err)
		os.Exit(1)
	}
}
