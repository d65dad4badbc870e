package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// InstallResult is the output of install.
type InstallResult struct {
	Assets []string `json:"assets"`
	Purged []string `json:"purged,omitempty"`
}

// ActivateResult is the output of activate.
type ActivateResult struct {
	Purged []string `json:"purged"`
}

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serviceFlags{}
	var activate bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Pre-cache the app shell",
		Long: `Fetch every app shell manifest entry into the static cache.

Nothing is stored unless every entry is fetched successfully.

Example:
  offsync install --site http://localhost:8000
  offsync install --activate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			svc, cfg, err := openService(cmd, rootOpts, flags, formatter)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := commandContext(cmd)
			if err := svc.Install(ctx); err != nil {
				return formatter.Fail(ExitFailure, ErrCodeInstall, "install failed", err)
			}
			result := InstallResult{Assets: cfg.Cache.Manifest}
			if activate {
				if result.Purged, err = svc.Activate(ctx); err != nil {
					return formatter.Fail(ExitFailure, ErrCodeStore, "activate failed", err)
				}
			}
			return formatter.Render(result, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Installed %d asset(s)\n", len(result.Assets))
				for _, a := range result.Assets {
					fmt.Fprintf(w, "  %s\n", a)
				}
				if len(result.Purged) > 0 {
					fmt.Fprintf(w, "Purged: %s\n", strings.Join(result.Purged, ", "))
				}
			})
		},
	}
	addServiceFlags(cmd, flags)
	cmd.Flags().BoolVar(&activate, "activate", false, "purge stale caches after installing")
	return cmd
}

// NewActivateCommand creates the activate command.
func NewActivateCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serviceFlags{}

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Purge stale caches",
		Long: `Delete every cache whose name is not in use by this version.

Example:
  offsync activate --db ./offsync.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			svc, _, err := openService(cmd, rootOpts, flags, formatter)
			if err != nil {
				return err
			}
			defer svc.Close()

			purged, err := svc.Activate(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeStore, "activate failed", err)
			}
			if purged == nil {
				purged = []string{}
			}
			return formatter.Render(ActivateResult{Purged: purged}, func(w io.Writer) {
				if len(purged) == 0 {
					fmt.Fprintln(w, "No stale caches")
					return
				}
				fmt.Fprintf(w, "Purged: %s\n", strings.Join(purged, ", "))
			})
		},
	}
	addServiceFlags(cmd, flags)
	return cmd
}
