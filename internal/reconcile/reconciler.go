package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
)

// Store is the persistent state a pass reads and updates.
type Store interface {
	DeferredReviews(ctx context.Context) ([]model.Review, error)
	ReplaceReview(ctx context.Context, localID int64, confirmed model.Review) error
	DeferredFavorites(ctx context.Context) ([]model.FavoriteIntent, error)
	ClearFavorite(ctx context.Context, restaurantID int64, favorite bool) error
	PutRestaurants(ctx context.Context, restaurants []model.Restaurant) error
}

// Upstream is the network side of a pass.
type Upstream interface {
	PostReview(ctx context.Context, payload []byte) (model.Review, error)
	PutFavorite(ctx context.Context, id int64, favorite bool) (model.Restaurant, error)
}

// Publisher receives one event per confirmed item.
type Publisher interface {
	Publish(ev notify.Event) int
}

// Item kinds in a Report.
const (
	KindReview   = "review"
	KindFavorite = "favorite"
)

// Item is the outcome of replaying one queued write.
type Item struct {
	Kind         string `json:"kind"`
	LocalID      int64  `json:"local_id,omitempty"`
	ServerID     int64  `json:"server_id,omitempty"`
	RestaurantID int64  `json:"restaurant_id"`
	Confirmed    bool   `json:"confirmed"`
	Error        string `json:"error,omitempty"`
}

// Report summarizes one pass.
type Report struct {
	Reason    string        `json:"reason"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Items     []Item        `json:"items"`
}

// Empty reports whether the pass found nothing to replay.
func (r Report) Empty() bool {
	return len(r.Items) == 0
}

// Reconciler drains the deferred write queue.
type Reconciler struct {
	store    Store
	upstream Upstream
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex    // held for the duration of a pass
	signal  chan struct{} // buffered, size 1

	mu         sync.Mutex
	reason     string // reason of the pending trigger
	last       *Report
	passes     int
	onComplete func(Report)
}

// New creates a reconciler. A nil logger discards output.
func New(store Store, upstream Upstream, pub Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		store:    store,
		upstream: upstream,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		signal:   make(chan struct{}, 1),
	}
}

// OnComplete registers a callback invoked after every pass run by Run.
func (r *Reconciler) OnComplete(fn func(Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = fn
}

// Trigger requests a pass. It never blocks; triggers that arrive before
// Run picks up the previous one collapse into one pass.
func (r *Reconciler) Trigger(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
		r.logger.Debug("reconcile triggered", "reason", reason)
	default:
		r.logger.Debug("reconcile trigger coalesced", "reason", reason)
	}
}

// Run serves triggers until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping: context cancelled")
			return ctx.Err()
		case <-r.signal:
			r.mu.Lock()
			reason := r.reason
			r.reason = ""
			cb := r.onComplete
			r.mu.Unlock()

			report, err := r.sync(ctx, reason)
			if err != nil {
				r.logger.Warn("reconcile pass failed", "reason", reason, "error", err)
				continue
			}
			if cb != nil {
				cb(report)
			}
		}
	}
}

// SyncOnce runs one pass now and returns its report. It waits for a pass
// already in progress to finish first.
//
// The error is non-nil only when the queue itself could not be read;
// per-item failures are recorded in the report.
func (r *Reconciler) SyncOnce(ctx context.Context) (Report, error) {
	return r.sync(ctx, "manual")
}

// LastReport returns the report of the most recent pass, if any.
func (r *Reconciler) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Passes returns the number of completed passes.
func (r *Reconciler) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

func (r *Reconciler) sync(ctx context.Context, reason string) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	report := Report{Reason: reason, StartedAt: r.now(), Items: []Item{}}

	reviews, err := r.store.DeferredReviews(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read deferred reviews: %w", err)
	}
	favorites, err := r.store.DeferredFavorites(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read deferred favorites: %w", err)
	}

	for _, rev := range reviews {
		if ctx.Err() != nil {
			break
		}
		report.add(r.replayReview(ctx, rev))
	}
	for _, intent := range favorites {
		if ctx.Err() != nil {
			break
		}
		report.add(r.replayFavorite(ctx, intent))
	}

	report.Duration = r.now().Sub(report.StartedAt)

	r.mu.Lock()
	r.last = &report
	r.passes++
	r.mu.Unlock()

	if !report.Empty() {
		r.logger.Info("reconcile pass complete",
			"reason", reason,
			"confirmed", report.Confirmed,
			"failed", report.Failed,
			"duration", report.Duration,
		)
	}
	return report, nil
}

func (rep *Report) add(it Item) {
	rep.Items = append(rep.Items, it)
	if it.Confirmed {
		rep.Confirmed++
	} else {
		rep.Failed++
	}
}

func (r *Reconciler) replayReview(ctx context.Context, rev model.Review) Item {
	it := Item{Kind: KindReview, LocalID: rev.ID, RestaurantID: rev.RestaurantID}

	payload, err := rev.Payload()
	if err != nil {
		it.Error = err.Error()
		return it
	}
	confirmed, err := r.upstream.PostReview(ctx, payload)
	if err != nil {
		r.logger.Debug("deferred review not accepted", "local_id", rev.ID, "error", err)
		it.Error = err.Error()
		return it
	}
	it.ServerID = confirmed.ID

	if err := r.store.ReplaceReview(ctx, rev.ID, confirmed); err != nil {
		// The server has the review now; the local copy stays deferred.
		r.logger.Error("replace confirmed review", "local_id", rev.ID, "server_id", confirmed.ID, "error", err)
		it.Error = err.Error()
		return it
	}
	it.Confirmed = true
	confirmed.IsDeferred = false
	r.publish(notify.ActionAddRecord, confirmed, rev.ID)
	return it
}

func (r *Reconciler) replayFavorite(ctx context.Context, intent model.FavoriteIntent) Item {
	it := Item{Kind: KindFavorite, RestaurantID: intent.RestaurantID}

	updated, err := r.upstream.PutFavorite(ctx, intent.RestaurantID, intent.IsFavorite)
	if err != nil {
		r.logger.Debug("deferred favorite not accepted", "restaurant_id", intent.RestaurantID, "error", err)
		it.Error = err.Error()
		return it
	}
	if err := r.store.PutRestaurants(ctx, []model.Restaurant{updated}); err != nil {
		r.logger.Error("store confirmed restaurant", "restaurant_id", intent.RestaurantID, "error", err)
		it.Error = err.Error()
		return it
	}
	if err := r.store.ClearFavorite(ctx, intent.RestaurantID, intent.IsFavorite); err != nil {
		r.logger.Error("clear favorite intent", "restaurant_id", intent.RestaurantID, "error", err)
		it.Error = err.Error()
		return it
	}
	it.Confirmed = true
	r.publish(notify.ActionUpdateRecord, updated, 0)
	return it
}

func (r *Reconciler) publish(action string, record any, replaces int64) {
	ev, err := notify.NewEvent(action, record, replaces)
	if err != nil {
		r.logger.Error("build notification", "action", action, "error", err)
		return
	}
	r.pub.Publish(ev)
}
