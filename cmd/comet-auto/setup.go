package main

import (
	"errors"
	"fmt"
	"os"

	"comet-auto/internal/browser"
	"comet-auto/internal/config"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

// detectExecutable is swapped in tests.
var detectExecutable = browser.Detect

func newSetupCmd(opts *rootOptions) *cobra.Command {
	var executable string
	var port int
	var apiAddr string
	var apiKey string
	var force bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Detect the browser and write the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return usageError(fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath))
			}

			cfg := config.DefaultConfig()
			exe, ok := detectExecutable(executable)
			if !ok {
				if executable != "" {
					return usageError(fmt.Errorf("browser executable %q not found", executable))
				}
				return usageError(errors.New("no Comet or Chromium browser found; pass --executable"))
			}
			cfg.Browser.Executable = exe
			if port > 0 {
				cfg.Browser.DebugPort = port
			}
			if apiAddr != "" {
				cfg.API.Addr = apiAddr
			}
			cfg.API.APIKey = apiKey
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
			if err := config.Save(opts.configPath, cfg); err != nil {
				return err
			}
			logger.Info("config written", "path", opts.configPath, "executable", exe, "debug_port", cfg.Browser.DebugPort)
			_, err := fmt.Fprintln(cmd.OutOrStdout(), opts.configPath)
			return err
		},
	}
	cmd.Flags().StringVar(&executable, "executable", "", "browser executable (detected when empty)")
	cmd.Flags().IntVar(&port, "debug-port", 0, "remote debugging port (default 9223)")
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "HTTP API listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key required by the HTTP API")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newDetectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the browser executable that would be launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			exe, ok := detectExecutable(cfg.Browser.Executable)
			if !ok {
				return errors.New("no Comet or Chromium browser found")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), exe)
			return err
		},
	}
}
