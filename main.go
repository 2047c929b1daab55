package main

import (
	"fmt"
	"os"

	"havoc/cmd"
	"havoc/internal/logging"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	// stdout sync fails on some terminals; nothing is buffered there
	defer func() { _ = logging.Sync() }()

	cmd.Execute()
}
