package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/auth"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/client"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
)

type localOptions struct {
	localHost string
	to        string
	port      uint16
	secret    string
	apiKey    string
	debug     bool
}

func newLocalCommand() *cobra.Command {
	opts := &localOptions{}
	cmd := &cobra.Command{
		Use:   "local <local_port>",
		Short: "Starts a local proxy to the remote server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPort, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid local port %q", args[0])
			}
			return runLocal(opts, uint16(localPort))
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&opts.localHost, "local-host", "l", "localhost", "local host to expose")
	fl.StringVarP(&opts.to, "to", "t", envOr("BORE_SERVER", ""), "address of the remote server")
	fl.Uint16VarP(&opts.port, "port", "p", 0, "port on the remote server to request, 0 lets the server choose")
	fl.StringVarP(&opts.secret, "secret", "s", envOr("BORE_SECRET", ""), "shared secret for authentication")
	fl.StringVar(&opts.apiKey, "api-key", envOr("BORE_API_KEY", ""), "API key for authentication")
	fl.BoolVar(&opts.debug, "debug", false, "enable debug logs")
	return cmd
}

func runLocal(opts *localOptions, localPort uint16) error {
	if opts.debug {
		obs.EnableDebug(true)
	}
	if opts.to == "" {
		return errors.New("missing server address: set --to or BORE_SERVER")
	}
	if opts.secret != "" && opts.apiKey != "" {
		return errors.New("--secret and --api-key are mutually exclusive")
	}
	var mode auth.ClientMode
	switch {
	case opts.apiKey != "":
		mode = auth.ClientBearer(opts.apiKey)
	case opts.secret != "":
		mode = auth.ClientHMAC(opts.secret)
	}
	cl, err := client.New(client.Config{
		LocalHost: opts.localHost,
		LocalPort: localPort,
		To:        opts.to,
		Port:      opts.port,
		Auth:      mode,
	})
	if err != nil {
		return err
	}
	obs.Info("client.listening", obs.Fields{"at": fmt.Sprintf("%s:%d", opts.to, cl.RemotePort())})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cl.Run(ctx)
}
