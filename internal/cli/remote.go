package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/api"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/proxy"
	"github.com/roach88/offsync/internal/reconcile"
)

// remoteFailure maps a client error onto an exit code and error code.
func remoteFailure(formatter *OutputFormatter, message string, err error) error {
	var se *api.StatusError
	switch {
	case errors.Is(err, api.ErrNotFound):
		return formatter.Fail(ExitFailure, ErrCodeNotFound, message, err)
	case errors.As(err, &se) && se.Status == http.StatusBadRequest:
		return formatter.Fail(ExitCommandError, ErrCodeBadArgument, message, err)
	case isUnreachable(err):
		return formatter.Fail(ExitFailure, ErrCodeUnreachable, "proxy unreachable", err)
	default:
		return formatter.Fail(ExitFailure, ErrCodeUpstream, message, err)
	}
}

func parseID(formatter *OutputFormatter, what, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, formatter.Fail(ExitCommandError, ErrCodeBadArgument, fmt.Sprintf("invalid %s %q", what, arg), err)
	}
	return id, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show proxy status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			st, err := client.Status(commandContext(cmd))
			if err != nil {
				return remoteFailure(formatter, "status failed", err)
			}
			return formatter.Render(st, func(w io.Writer) { writeStatus(w, st) })
		},
	}
}

func writeStatus(w io.Writer, st proxy.Status) {
	fmt.Fprintf(w, "Connectivity: %s\n", st.Connectivity)
	fmt.Fprintf(w, "API:          %s\n", st.API)
	fmt.Fprintf(w, "Site:         %s\n", st.Site)
	fmt.Fprintf(w, "Uptime:       %s\n", st.Uptime)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Store ===")
	fmt.Fprintf(w, "  Restaurants:        %d\n", st.Store.Restaurants)
	fmt.Fprintf(w, "  Reviews:            %d\n", st.Store.Reviews)
	fmt.Fprintf(w, "  Deferred reviews:   %d\n", st.Store.DeferredReviews)
	fmt.Fprintf(w, "  Deferred favorites: %d\n", st.Store.DeferredFavorites)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Caches:      %v\n", st.Caches)
	fmt.Fprintf(w, "Subscribers: %d\n", st.Subscribers)
	fmt.Fprintf(w, "Sync passes: %d\n", st.Passes)
	if st.LastSync != nil {
		fmt.Fprintf(w, "Last sync:   %s (%d confirmed, %d failed)\n",
			st.LastSync.Reason, st.LastSync.Confirmed, st.LastSync.Failed)
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay deferred writes now",
		Long: `Ask the running proxy to reconcile its deferred write queue and wait
for the pass to finish. Exits 1 if any item stayed queued.

Example:
  offsync sync
  offsync sync --proxy http://127.0.0.1:8088 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			report, err := client.Sync(commandContext(cmd))
			if err != nil {
				return remoteFailure(formatter, "sync failed", err)
			}
			if err := formatter.Render(report, func(w io.Writer) { writeReport(w, report) }); err != nil {
				return err
			}
			if report.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%s: %d item(s) still queued", ErrCodePending, report.Failed))
			}
			return nil
		},
	}
}

func writeReport(w io.Writer, r reconcile.Report) {
	if r.Empty() {
		fmt.Fprintln(w, "Nothing to sync")
		return
	}
	fmt.Fprintf(w, "Synced: %d confirmed, %d failed (%s)\n", r.Confirmed, r.Failed, r.Duration)
	for _, it := range r.Items {
		mark := "✓"
		if !it.Confirmed {
			mark = "✗"
		}
		switch it.Kind {
		case reconcile.KindReview:
			fmt.Fprintf(w, "  %s review %d -> %d (restaurant %d)", mark, it.LocalID, it.ServerID, it.RestaurantID)
		default:
			fmt.Fprintf(w, "  %s favorite (restaurant %d)", mark, it.RestaurantID)
		}
		if it.Error != "" {
			fmt.Fprintf(w, ": %s", it.Error)
		}
		fmt.Fprintln(w)
	}
}

// NewRestaurantsCommand creates the restaurants command.
func NewRestaurantsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restaurants [id]",
		Short: "List restaurants, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			if len(args) == 1 {
				id, err := parseID(formatter, "restaurant id", args[0])
				if err != nil {
					return err
				}
				r, err := client.GetRestaurant(ctx, id)
				if err != nil {
					return remoteFailure(formatter, "get restaurant failed", err)
				}
				return formatter.Render(r, func(w io.Writer) { writeRestaurant(w, r) })
			}

			all, err := client.ListRestaurants(ctx)
			if err != nil {
				return remoteFailure(formatter, "list restaurants failed", err)
			}
			return formatter.Render(all, func(w io.Writer) {
				if len(all) == 0 {
					fmt.Fprintln(w, "No restaurants")
					return
				}
				for _, r := range all {
					writeRestaurant(w, r)
				}
			})
		},
	}
}

func writeRestaurant(w io.Writer, r model.Restaurant) {
	star := " "
	if r.IsFavorite {
		star = "★"
	}
	fmt.Fprintf(w, "%s %d  %s\n", star, r.ID, r.Name())
}

// NewReviewsCommand creates the reviews command group.
func NewReviewsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List or submit reviews",
	}
	cmd.AddCommand(newReviewsListCommand(rootOpts))
	cmd.AddCommand(newReviewsAddCommand(rootOpts))
	return cmd
}

func newReviewsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <restaurant-id>",
		Short: "List the reviews of a restaurant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			id, err := parseID(formatter, "restaurant id", args[0])
			if err != nil {
				return err
			}
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			reviews, err := client.ListReviews(commandContext(cmd), id)
			if err != nil {
				return remoteFailure(formatter, "list reviews failed", err)
			}
			return formatter.Render(reviews, func(w io.Writer) {
				if len(reviews) == 0 {
					fmt.Fprintln(w, "No reviews")
					return
				}
				for _, r := range reviews {
					writeReview(w, r)
				}
			})
		},
	}
}

func writeReview(w io.Writer, r model.Review) {
	pending := ""
	if r.IsDeferred {
		pending = "  (pending)"
	}
	fmt.Fprintf(w, "%d  %s  %d/5%s\n", r.ID, r.Name, r.Rating, pending)
	if r.Comments != "" {
		fmt.Fprintf(w, "    %s\n", r.Comments)
	}
}

func newReviewsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var review model.Review

	cmd := &cobra.Command{
		Use:   "add <restaurant-id>",
		Short: "Submit a review",
		Long: `Submit a review through the proxy. When the API is unreachable the
review is stored locally and replayed later.

Example:
  offsync reviews add 3 --name Ana --rating 4 --comments "Great noodles"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			id, err := parseID(formatter, "restaurant id", args[0])
			if err != nil {
				return err
			}
			review.RestaurantID = id
			if err := review.Validate(); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeBadArgument, "invalid review", err)
			}
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			stored, err := client.SubmitReview(commandContext(cmd), review)
			if err != nil {
				return remoteFailure(formatter, "submit review failed", err)
			}
			return formatter.Render(stored, func(w io.Writer) {
				if stored.IsLocal() {
					fmt.Fprintf(w, "Review queued offline as %d\n", stored.ID)
					return
				}
				fmt.Fprintf(w, "✓ Review %d saved\n", stored.ID)
			})
		},
	}
	cmd.Flags().StringVar(&review.Name, "name", "", "reviewer name (required)")
	cmd.Flags().Int64Var(&review.Rating, "rating", 0, "rating 1-5 (required)")
	cmd.Flags().StringVar(&review.Comments, "comments", "", "review text")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

// NewFavoriteCommand creates the favorite command.
func NewFavoriteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <restaurant-id> [true|false]",
		Short: "Mark or unmark a restaurant as favorite",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			id, err := parseID(formatter, "restaurant id", args[0])
			if err != nil {
				return err
			}
			fav := model.Flag(true)
			if len(args) == 2 {
				if err := fav.UnmarshalJSON([]byte(strconv.Quote(args[1]))); err != nil {
					return formatter.Fail(ExitCommandError, ErrCodeBadArgument, fmt.Sprintf("invalid flag %q", args[1]), err)
				}
			}
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			r, err := client.SetFavorite(commandContext(cmd), id, bool(fav))
			if err != nil {
				return remoteFailure(formatter, "set favorite failed", err)
			}
			return formatter.Render(r, func(w io.Writer) { writeRestaurant(w, r) })
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var count int
	var syncFirst bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications",
		Long: `Print every notification the proxy publishes until interrupted.

Example:
  offsync watch
  offsync watch --sync --count 1 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			client, err := newClient(cmd, rootOpts, formatter)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(commandContext(cmd))
			defer cancel()

			sub, err := client.Subscribe(ctx)
			if err != nil {
				return remoteFailure(formatter, "subscribe failed", err)
			}
			defer sub.Close()
			if syncFirst {
				if err := sub.RequestSync(); err != nil {
					return remoteFailure(formatter, "sync request failed", err)
				}
			}

			seen := 0
			for ev := range sub.Events {
				if err := writeEvent(formatter, ev); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = unlimited)")
	cmd.Flags().BoolVar(&syncFirst, "sync", false, "request a sync pass after subscribing")
	return cmd
}

func writeEvent(formatter *OutputFormatter, ev notify.Event) error {
	if formatter.Format == "json" {
		return json.NewEncoder(formatter.Writer).Encode(ev)
	}
	if ev.Replaces != 0 {
		_, err := fmt.Fprintf(formatter.Writer, "%s %d (replaces %d)\n", ev.Action, ev.RecordID(), ev.Replaces)
		return err
	}
	_, err := fmt.Fprintf(formatter.Writer, "%s %d\n", ev.Action, ev.RecordID())
	return err
}
