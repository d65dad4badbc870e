package testutil

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/roach88/offsync/internal/model"
)

// FakeAPI is an in-process stand-in for both upstream origins: the data
// API (/restaurants, /reviews) and the site (everything else).
//
// Offline mode drops every connection without a response, which clients
// observe as a transport failure.
type FakeAPI struct {
	*httptest.Server

	clock *DeterministicClock

	mu          sync.Mutex
	offline     bool
	failStatus  int
	restaurants map[int64]model.Restaurant
	reviews     map[int64]model.Review
	nextID      int64
	assets      map[string][]byte
	posts       []model.Review
	requests    []string
}

// NewFakeAPI starts a fake upstream and stops it when the test ends.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		clock:       NewDeterministicClock(),
		restaurants: make(map[int64]model.Restaurant),
		reviews:     make(map[int64]model.Review),
		nextID:      1,
		assets:      make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /restaurants", f.listRestaurants)
	mux.HandleFunc("GET /restaurants/{$}", f.listRestaurants)
	mux.HandleFunc("GET /restaurants/{id}", f.getRestaurant)
	mux.HandleFunc("GET /restaurants/{id}/{$}", f.getRestaurant)
	mux.HandleFunc("PUT /restaurants/{id}", f.putFavorite)
	mux.HandleFunc("PUT /restaurants/{id}/{$}", f.putFavorite)
	mux.HandleFunc("GET /reviews", f.listReviews)
	mux.HandleFunc("GET /reviews/{$}", f.listReviews)
	mux.HandleFunc("POST /reviews", f.postReview)
	mux.HandleFunc("POST /reviews/{$}", f.postReview)
	mux.HandleFunc("GET /", f.serveAsset)

	f.Server = httptest.NewServer(f.gate(mux))
	t.Cleanup(f.Close)
	return f
}

// gate applies offline and failure modes before routing.
func (f *FakeAPI) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		offline, status := f.offline, f.failStatus
		f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
		f.mu.Unlock()

		if offline {
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("fake api: response writer cannot hijack")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetOffline toggles transport failure mode.
func (f *FakeAPI) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailWith makes every request return status. Zero restores normal service.
func (f *FakeAPI) FailWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

// SetNextID sets the id assigned to the next posted review.
func (f *FakeAPI) SetNextID(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// AddRestaurants seeds restaurants.
func (f *FakeAPI) AddRestaurants(rs ...model.Restaurant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		f.restaurants[r.ID] = r.Clone()
	}
}

// AddReviews seeds confirmed reviews.
func (f *FakeAPI) AddReviews(rs ...model.Review) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		r.IsDeferred = false
		f.reviews[r.ID] = r.Clone()
		if r.ID >= f.nextID {
			f.nextID = r.ID + 1
		}
	}
}

// AddAsset serves body at p on the site origin.
func (f *FakeAPI) AddAsset(p string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[p] = body
}

// Posts returns every review accepted by POST /reviews, in order.
func (f *FakeAPI) Posts() []model.Review {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Review(nil), f.posts...)
}

// Requests returns "METHOD uri" for every request received, offline
// ones included.
func (f *FakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Restaurant returns the server-side copy of a restaurant.
func (f *FakeAPI) Restaurant(id int64) (model.Restaurant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.restaurants[id]
	return r, ok
}

func (f *FakeAPI) listRestaurants(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := make([]model.Restaurant, 0, len(f.restaurants))
	for _, r := range f.restaurants {
		out = append(out, r)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) getRestaurant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	rest, ok := f.restaurants[id]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rest)
}

func (f *FakeAPI) putFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	var fav model.Flag
	if err := fav.UnmarshalJSON([]byte(strconv.Quote(r.URL.Query().Get("is_favorite")))); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	rest, ok := f.restaurants[id]
	if ok {
		rest.IsFavorite = bool(fav)
		f.restaurants[id] = rest
	}
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rest)
}

func (f *FakeAPI) listReviews(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("restaurant_id")
	want, _ := strconv.ParseInt(filter, 10, 64)

	f.mu.Lock()
	out := make([]model.Review, 0, len(f.reviews))
	for _, rev := range f.reviews {
		if filter == "" || rev.RestaurantID == want {
			out = append(out, rev)
		}
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) postReview(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rev model.Review
	if err := json.Unmarshal(body, &rev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	rev.ID = f.nextID
	f.nextID++
	now := f.clock.Now().UnixMilli()
	rev.CreatedAt, rev.UpdatedAt = now, now
	rev.IsDeferred = false
	f.reviews[rev.ID] = rev
	f.posts = append(f.posts, rev)
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, rev)
}

func (f *FakeAPI) serveAsset(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, ok := f.assets[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(r.URL.Path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
