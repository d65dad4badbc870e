package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// QueueResult lists the deferred write queue.
type QueueResult struct {
	Reviews   []model.Review         `json:"reviews"`
	Favorites []model.FavoriteIntent `json:"favorites"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &serviceFlags{}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show deferred writes",
		Long: `List writes accepted offline and not yet confirmed by the server,
in the order they will be replayed.

Example:
  offsync queue --db ./offsync.db
  offsync queue --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			svc, _, err := openService(cmd, rootOpts, flags, formatter)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := commandContext(cmd)
			var result QueueResult
			if result.Reviews, err = svc.Store().DeferredReviews(ctx); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read deferred reviews", err)
			}
			if result.Favorites, err = svc.Store().DeferredFavorites(ctx); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read deferred favorites", err)
			}
			return formatter.Render(result, func(w io.Writer) { writeQueue(w, result) })
		},
	}
	addServiceFlags(cmd, flags)
	return cmd
}

func writeQueue(w io.Writer, q QueueResult) {
	if len(q.Reviews) == 0 && len(q.Favorites) == 0 {
		fmt.Fprintln(w, "Queue empty")
		return
	}
	fmt.Fprintf(w, "=== Reviews (%d) ===\n", len(q.Reviews))
	for _, r := range q.Reviews {
		fmt.Fprintf(w, "  %d  restaurant %d  %q  rating %d\n", r.ID, r.RestaurantID, r.Name, r.Rating)
	}
	fmt.Fprintf(w, "=== Favorites (%d) ===\n", len(q.Favorites))
	for _, f := range q.Favorites {
		fmt.Fprintf(w, "  restaurant %d  is_favorite=%t\n", f.RestaurantID, f.IsFavorite)
	}
}
