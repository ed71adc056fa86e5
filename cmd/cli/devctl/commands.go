package main

import (
	"context"
	"fmt"
	"io"

	"github.com/core-tools/hsu-devportal-go/pkg/api"
	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

// openURL is replaced in tests.
var openURL = browser.OpenURL

func newServicesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List configured services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				services, err := backend.ListServices(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, services)
				}
				renderServices(out, services)
				return nil
			})
		},
	}
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show running and health state of every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				statuses, err := backend.GetServiceStatus(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, statuses)
				}
				renderStatus(out, statuses)
				return nil
			})
		},
	}
}

func newPortsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show listeners on every declared port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				ports, err := backend.GetPortStatus(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, ports)
				}
				renderPorts(out, ports)
				return nil
			})
		},
	}
}

func newHealthCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show composite health of every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				healthMap, err := backend.GetHealth(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, healthMap)
				}
				renderHealth(out, healthMap)
				return nil
			})
		},
	}
}

func newControlCommand(opts *globalOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:     action + " <target>",
		Short:   short,
		Example: fmt.Sprintf("  devctl %s practiceWeb\n  devctl %s %s", action, action, registry.SuiteTargetID),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				result, err := backend.Control(ctx, control.Request{Target: args[0], Action: control.Action(action)})
				if err != nil {
					return err
				}
				if opts.json {
					if err := printJSON(out, result); err != nil {
						return err
					}
				} else {
					renderResult(out, result)
				}
				if !result.Success {
					return fmt.Errorf("%s %s failed (%s)", action, args[0], result.ErrorKind)
				}
				return nil
			})
		},
	}
}

func newOpenCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <service>",
		Short: "Open a service's URL in the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend api.Backend, out io.Writer) error {
				services, err := backend.ListServices(ctx)
				if err != nil {
					return err
				}
				for _, svc := range services {
					if svc.ID != args[0] {
						continue
					}
					target := serviceURL(svc)
					fmt.Fprintf(out, "Opening %s\n", target)
					return openURL(target)
				}
				return fmt.Errorf("unknown service %q", args[0])
			})
		},
	}
}

// serviceURL prefers the declared url and falls back to the primary port.
func serviceURL(svc registry.ServiceDescriptor) string {
	if svc.URL != "" {
		return svc.URL
	}
	return fmt.Sprintf("http://localhost:%d", svc.PrimaryPort())
}
