// forgeflow drives a team of phase agents (planning, coding, testing,
// review) against a project backlog through an MCP tool bridge.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeflow/forgeflow/internal/observability"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitCodeError carries a process exit code through cobra's error return.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	observability.SetDefault(observability.NewLogger(observability.LogConfig{}))

	if err := buildRootCmd().Execute(); err != nil {
		code := 1
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		if exitErr == nil || exitErr.err != nil {
			slog.Error("command execution failed", "error", err)
		}
		os.Exit(code)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forgeflow",
		Short: "Multi-agent development orchestrator",
		Long: `forgeflow runs an autonomous development loop against a project backlog:
a planning agent produces a development plan, then coding, testing, and
review agents implement each open issue on its own feature branch. All
repository access goes through an MCP tool bridge.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildValidateCmd())
	rootCmd.AddCommand(buildVersionCmd())

	return rootCmd
}
