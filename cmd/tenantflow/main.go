// Package main provides the entry point for the tenantflow CLI.
package main

import (
	"os"

	"github.com/randalmurphal/tenantflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
