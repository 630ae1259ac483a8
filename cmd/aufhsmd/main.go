package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"aufhsm/internal/daemon"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "aufhsmd:", err)
		}
		os.Exit(daemon.ExitCode(err))
	}
}
