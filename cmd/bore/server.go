package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/auth"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/server"
)

type serverOptions struct {
	minPort          uint16
	maxPort          uint16
	bindAddr         string
	bindTunnels      string
	secret           string
	apiValidationURL string
	metricsAddr      string
	globalConnRate   int
	connRate         int
	connBurst        int
	debug            bool
}

func newServerCommand() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Runs the remote proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts)
		},
	}
	fl := cmd.Flags()
	fl.Uint16Var(&opts.minPort, "min-port", envPort("BORE_MIN_PORT", 1024), "minimum accepted TCP port number")
	fl.Uint16Var(&opts.maxPort, "max-port", envPort("BORE_MAX_PORT", 65535), "maximum accepted TCP port number")
	fl.StringVar(&opts.bindAddr, "bind-addr", "0.0.0.0", "IP address to bind the control listener to")
	fl.StringVar(&opts.bindTunnels, "bind-tunnels", "", "IP address for public tunnel listeners, defaults to --bind-addr")
	fl.StringVar(&opts.secret, "secret", envOr("BORE_SECRET", ""), "shared secret enabling challenge/response authentication")
	fl.StringVar(&opts.apiValidationURL, "api-validation-url", envOr("BORE_API_VALIDATION_URL", ""), "validator URL enabling API key authentication")
	fl.StringVar(&opts.metricsAddr, "metrics-addr", "", "optional metrics and health listen address")
	fl.IntVar(&opts.globalConnRate, "global-conn-rate", 0, "global control connections per second, 0 disables")
	fl.IntVar(&opts.connRate, "conn-rate", 0, "control connections per second per source IP, 0 disables")
	fl.IntVar(&opts.connBurst, "conn-burst", 10, "burst size for connection throttling")
	fl.BoolVar(&opts.debug, "debug", false, "enable debug logs")
	return cmd
}

func runServer(opts *serverOptions) error {
	if opts.debug {
		obs.EnableDebug(true)
	}
	if opts.secret != "" && opts.apiValidationURL != "" {
		return errors.New("--secret and --api-validation-url are mutually exclusive")
	}
	var mode auth.ServerMode
	switch {
	case opts.secret != "":
		mode = auth.ServerHMAC(opts.secret)
	case opts.apiValidationURL != "":
		mode = auth.ServerBearer(opts.apiValidationURL)
	}
	srv, err := server.New(server.Config{
		BindAddr:       opts.bindAddr,
		BindTunnels:    opts.bindTunnels,
		MinPort:        opts.minPort,
		MaxPort:        opts.maxPort,
		Auth:           mode,
		MetricsAddr:    opts.metricsAddr,
		GlobalConnRate: opts.globalConnRate,
		ConnRate:       opts.connRate,
		ConnBurst:      opts.connBurst,
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}
