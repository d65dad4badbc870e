package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// CacheListResult lists cache names.
type CacheListResult struct {
	Caches []string `json:"caches"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or purge resource caches",
	}
	cmd.AddCommand(newCacheListCommand(rootOpts))
	cmd.AddCommand(newCachePurgeCommand(rootOpts))
	return cmd
}

func newCacheListCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serviceFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			svc, _, err := openService(cmd, rootOpts, flags, formatter)
			if err != nil {
				return err
			}
			defer svc.Close()

			names, err := svc.Cache().Names(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to list caches", err)
			}
			if names == nil {
				names = []string{}
			}
			return formatter.Render(CacheListResult{Caches: names}, func(w io.Writer) {
				if len(names) == 0 {
					fmt.Fprintln(w, "No caches")
					return
				}
				for _, n := range names {
					fmt.Fprintln(w, n)
				}
			})
		},
	}
	addServiceFlags(cmd, flags)
	return cmd
}

func newCachePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serviceFlags{}
	cmd := &cobra.Command{
		Use:   "purge <name>...",
		Short: "Delete caches by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			svc, _, err := openService(cmd, rootOpts, flags, formatter)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := commandContext(cmd)
			for _, name := range args {
				if err := svc.Cache().Purge(ctx, name); err != nil {
					return formatter.Fail(ExitFailure, ErrCodeStore, "failed to purge "+name, err)
				}
			}
			return formatter.Render(ActivateResult{Purged: args}, func(w io.Writer) {
				for _, n := range args {
					fmt.Fprintf(w, "Purged %s\n", n)
				}
			})
		},
	}
	addServiceFlags(cmd, flags)
	return cmd
}
