package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		mode       string
		issueIID   int
		resume     bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator against a project backlog",
		Long: `Run executes one orchestration run: planning, plan merge, and the
per-issue implementation loop. Exit codes: 0 on success, 1 when issues
failed, 2 on a fatal error, 130 when canceled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runOptions{
				configPath: configPath,
				projectID:  projectID,
				mode:       mode,
				issueIID:   issueIID,
				resume:     resume,
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the yaml configuration file")
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project ID to orchestrate")
	cmd.Flags().StringVarP(&mode, "mode", "m", "implement", "run mode: analyze or implement")
	cmd.Flags().IntVar(&issueIID, "issue", 0, "restrict the run to a single issue IID")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the most recent checkpointed run")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket control channel and metrics endpoint",
		Long: `Serve starts the HTTP server: /ws accepts WebSocket clients that
observe run events and control runs via start_system/stop_system;
/metrics exposes Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the yaml configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the yaml configuration file")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forgeflow %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
