package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"comet-auto/internal/config"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := newLogger(os.Stderr, false)
	ctx = pslog.ContextWithLogger(ctx, logger)
	redirectStdLog(logger)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	err := root.ExecuteContext(ctx)
	if err != nil {
		pslog.Ctx(ctx).With("err", err).Error("comet-auto command failed")
	}
	return exitCode(err)
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "comet-auto",
		Short:         "Drive the Comet browser assistant: ask from the CLI, over HTTP or over MCP",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				logger := newLogger(os.Stderr, true)
				redirectStdLog(logger)
				cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging on stderr")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(newAskCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSetupCmd(opts))
	root.AddCommand(newDetectCmd(opts))

	return root
}

func newLogger(w io.Writer, debug bool) pslog.Logger {
	level := pslog.InfoLevel
	if debug {
		level = pslog.DebugLevel
	}
	return pslog.LoggerFromEnv(
		pslog.WithEnvWriter(w),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: level}),
	)
}

func redirectStdLog(logger pslog.Logger) {
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// usageError marks err as a usage or configuration problem (exit code 2).
func usageError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: 2, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}

// loadConfig reads the config file. A missing file is only an error when
// the path was given explicitly; otherwise defaults and environment apply.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if errors.Is(err, config.ErrNotFound) && !cmd.Flags().Changed("config") {
		pslog.Ctx(cmd.Context()).Debug("no config file, using defaults", "path", opts.configPath)
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return cfg, usageError(fmt.Errorf("config: %w (run `comet-auto setup` to create one)", err))
	}
	return cfg, nil
}

// withLogFile sends logs to cfg.Server.LogFile when set. The returned func
// closes the file.
func withLogFile(cmd *cobra.Command, opts *rootOptions, cfg config.Config) (func(), error) {
	if cfg.Server.LogFile == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, usageError(fmt.Errorf("open log file: %w", err))
	}
	logger := newLogger(f, opts.debug)
	redirectStdLog(logger)
	cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
	return func() { _ = f.Close() }, nil
}
