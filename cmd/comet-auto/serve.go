package main

import (
	"context"
	"errors"

	"comet-auto/internal/api"
	"comet-auto/internal/mcp"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var ssePort int
	var stdio bool
	var connect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve asks over the HTTP API and, optionally, MCP (SSE or stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			closeLog, err := withLogFile(cmd, opts, cfg)
			if err != nil {
				return err
			}
			defer closeLog()
			logger := pslog.Ctx(cmd.Context())

			st, err := newStack(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if connect {
				if err := st.serial.Connect(cmd.Context()); err != nil {
					// Asks connect on demand, so keep serving.
					logger.Warn("initial connect failed", "err", err)
				}
			}

			var mcpServer *mcp.Server
			if stdio || cfg.MCP.SSEPort > 0 {
				mcpServer, err = mcp.NewServer(cfg, st.serial, st.engine)
				if err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			if cfg.API.Addr != "" && cfg.API.Addr != "off" {
				apiServer := api.NewServer(cfg.API, cfg.Polling, st.serial)
				g.Go(func() error { return apiServer.ListenAndServe(ctx) })
			}
			if cfg.MCP.SSEPort > 0 {
				g.Go(func() error { return mcpServer.StartSSE(ctx, cfg.MCP.SSEPort) })
			}
			if stdio {
				g.Go(func() error {
					logger.Info("mcp stdio serving")
					return mcpServer.Start(ctx)
				})
			}
			logger.Info("comet-auto serving", "api", cfg.API.Addr, "mcp_sse_port", cfg.MCP.SSEPort, "mcp_stdio", stdio)

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP API listen address (overrides api.addr; \"off\" disables)")
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve MCP over SSE on this port (overrides mcp.sse_port)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve MCP over stdin/stdout")
	cmd.Flags().BoolVar(&connect, "connect", true, "connect to the browser at startup")
	return cmd
}
