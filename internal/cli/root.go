// Package cli implements the corerun command-line interface using
// Cobra, grounded on the teacher's internal/cli/root.go: a package-level
// rootCmd, one file per subcommand, each registering itself from init().
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes (spec §6): 0 success/healthy, 1 failure/unhealthy, 2
// configuration error, 3 connection error.
const (
	ExitOK            = 0
	ExitUnhealthy     = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "corerun",
	Short:         "corerun — sandboxed multi-tenant LLM inference runtime core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $CORERUN_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go; the returned
// value is the process exit code.
func Execute(version string) int {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return ExitUnhealthy
	}
	return ExitOK
}

// exitCoder lets a subcommand's error carry a specific exit code
// without main.go needing to know which command produced it.
type exitCoder interface {
	error
	ExitCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) ExitCode() int  { return e.code }

// withExitCode wraps err so Execute's caller can recover the intended
// process exit code from a RunE return value.
func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}
