package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Exit codes.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: exitConfig, err: err} }

// configArg lets the config file be given as the single positional argument,
// as in "ais-forwarder /etc/ais-forwarder.yaml".
func configArg(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if cmd.Flags().Changed("config") {
		return fmt.Errorf("config file given both as --config and as argument %q", args[0])
	}
	return cmd.Flags().Set("config", args[0])
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ais-forwarder [config-file]",
		Short:         "Forward NMEA/AIS sentences from a serial receiver to a TCP endpoint",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Flags only record what the user set; loadConfig resolves the values.
	bindFlags(root.PersistentFlags(), defaultConfig())

	runCmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the forwarder (default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := configArg(cmd, args); err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return configError(err)
			}
			return runForwarder(cmd.Context(), cfg, cmd.Flags())
		},
	}
	root.RunE = runCmd.RunE

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ais-forwarder %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config [config-file]",
		Short: "Validate the configuration and print the effective settings as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := configArg(cmd, args); err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return configError(err)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.toFile()); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	root.AddCommand(runCmd, versionCmd, checkCmd)
	return root
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// flag parsing and unknown commands
	return exitConfig
}
