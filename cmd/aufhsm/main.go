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
			fmt.Fprintln(os.Stderr, "aufhsm:", err)
		}
		os.Exit(daemon.ExitCode(err))
	}
}
