package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/api"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-devportal-go/pkg/portal"

	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:4100"

type globalOptions struct {
	server  string
	local   bool
	config  string
	json    bool
	verbose bool
	timeout time.Duration

	newBackend backendFactory
}

type backendFactory func(opts *globalOptions) (api.Backend, func(), error)

func newRootCommand() *cobra.Command {
	return buildRootCommand(connect)
}

func buildRootCommand(newBackend backendFactory) *cobra.Command {
	opts := &globalOptions{newBackend: newBackend}

	root := &cobra.Command{
		Use:   "devctl",
		Short: "Control local development services",
		Long: `devctl talks to a running devportal server, or with --local runs the
control plane in-process against a configuration file.

Targets are service ids from the configuration, or "suite" for the
supervisor-managed group of all services.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("DEVPORTAL_SERVER")
	if server == "" {
		server = defaultServer
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", server, "devportal address (host:port, http://host:port or unix:///path)")
	flags.BoolVar(&opts.local, "local", false, "run the control plane in-process instead of contacting a server")
	flags.StringVarP(&opts.config, "config", "c", "", "configuration file for --local")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log control plane activity to stderr (--local only)")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall command timeout")

	root.AddCommand(
		newServicesCommand(opts),
		newStatusCommand(opts),
		newPortsCommand(opts),
		newHealthCommand(opts),
		newControlCommand(opts, "start", "Start a service, or load the suite"),
		newControlCommand(opts, "stop", "Stop a service, or unload the suite"),
		newControlCommand(opts, "restart", "Restart a service, or kick the loaded suite"),
		newOpenCommand(opts),
	)
	return root
}

// connect returns the backend selected by the global flags and a cleanup func.
func connect(opts *globalOptions) (api.Backend, func(), error) {
	if !opts.local {
		client, err := api.NewClient(opts.server)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}

	if opts.config == "" {
		return nil, nil, fmt.Errorf("--local requires --config")
	}

	logger := logging.NewNullLogger()
	cleanup := func() {}
	if opts.verbose {
		zapLogger, err := zaplogging.New("debug", true)
		if err != nil {
			return nil, nil, err
		}
		logger = zapLogger.Logger("devctl: ")
		cleanup = func() { zapLogger.Sync() }
	}

	p, err := portal.NewFromFile(opts.config, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

// withBackend runs fn with a connected backend under the command timeout.
func withBackend(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, backend api.Backend, out io.Writer) error) error {
	backend, cleanup, err := opts.newBackend(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, backend, cmd.OutOrStdout())
}
