package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	serviceFlags
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long: `Run the offline-capable proxy.

On start the store is upgraded, the app shell manifest is installed into
the static cache (a failed install is logged and does not stop startup),
stale caches are purged and one reconciliation pass is triggered.

Example:
  offsync serve --api http://localhost:1337 --site http://localhost:8000
  offsync serve --config ./offsync.toml --listen :8088 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	addServiceFlags(cmd, &opts.serviceFlags)
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	svc, cfg, err := openService(cmd, opts.RootOptions, &opts.serviceFlags, formatter)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext(commandContext(cmd))
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "offsync listening on %s (api %s, site %s)\n",
		cfg.Server.Listen, cfg.Upstream.API, cfg.Upstream.Site)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := svc.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "proxy error", err)
	}
	return nil
}
