package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/noory-code/evonest/cmd/evonest/cmd"
	"github.com/noory-code/evonest/internal/core"
)

// Version info set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) {
			fmt.Fprintln(os.Stderr, "error:", domErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(core.ExitCode(err))
	}
}
