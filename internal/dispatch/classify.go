package dispatch

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/roach88/offsync/internal/upstream"
)

// Route identifies how an intercepted request is served.
type Route int

const (
	// RoutePassthrough goes to the network with no fallback.
	RoutePassthrough Route = iota
	// RouteReviewsRead is network-first, store fallback by restaurant_id.
	RouteReviewsRead
	// RouteReviewsWrite is network-first, deferred-write fallback.
	RouteReviewsWrite
	// RouteRestaurantsList is network-first with mirroring, store fallback.
	RouteRestaurantsList
	// RouteRestaurantRead is network-first with mirroring, store fallback.
	RouteRestaurantRead
	// RouteFavorite is network-first, queued-toggle fallback.
	RouteFavorite
	// RouteImage is cache-first via the image cache.
	RouteImage
	// RouteAppShell is cache-first via the static cache, then network.
	RouteAppShell
)

var routeNames = map[Route]string{
	RoutePassthrough:     "passthrough",
	RouteReviewsRead:     "reviews-read",
	RouteReviewsWrite:    "reviews-write",
	RouteRestaurantsList: "restaurants-list",
	RouteRestaurantRead:  "restaurant-read",
	RouteFavorite:        "favorite",
	RouteImage:           "image",
	RouteAppShell:        "app-shell",
}

func (r Route) String() string {
	if name, ok := routeNames[r]; ok {
		return name
	}
	return "route(" + strconv.Itoa(int(r)) + ")"
}

// Classification is the result of Classify.
type Classification struct {
	Route  Route
	Origin upstream.Origin

	// RestaurantID is set for RouteRestaurantRead and RouteFavorite.
	RestaurantID int64
}

// Classify maps (method, path) to a strategy. It is a pure function of
// its inputs.
//
//	path                 method  route
//	/reviews...          GET     RouteReviewsRead
//	/reviews...          POST    RouteReviewsWrite
//	/restaurants[/]      GET     RouteRestaurantsList
//	/restaurants/<id>[/] GET     RouteRestaurantRead
//	/restaurants/<id>[/] PUT     RouteFavorite
//	/img/...             any     RouteImage
//	anything else        any     RouteAppShell
//
// Other methods on API paths are passed through to the API.
func Classify(method, path string) Classification {
	switch {
	case strings.HasPrefix(path, "/reviews"):
		c := Classification{Route: RoutePassthrough, Origin: upstream.OriginAPI}
		switch method {
		case http.MethodGet:
			c.Route = RouteReviewsRead
		case http.MethodPost:
			c.Route = RouteReviewsWrite
		}
		return c

	case path == "/restaurants" || path == "/restaurants/":
		c := Classification{Route: RoutePassthrough, Origin: upstream.OriginAPI}
		if method == http.MethodGet {
			c.Route = RouteRestaurantsList
		}
		return c

	case strings.HasPrefix(path, "/restaurants/"):
		c := Classification{Route: RoutePassthrough, Origin: upstream.OriginAPI}
		id, ok := restaurantID(path)
		if !ok {
			return c
		}
		c.RestaurantID = id
		switch method {
		case http.MethodGet:
			c.Route = RouteRestaurantRead
		case http.MethodPut:
			c.Route = RouteFavorite
		}
		return c

	case strings.HasPrefix(path, "/img/"):
		return Classification{Route: RouteImage, Origin: upstream.OriginSite}

	default:
		return Classification{Route: RouteAppShell, Origin: upstream.OriginSite}
	}
}

// restaurantID parses "/restaurants/<id>" with an optional trailing slash.
func restaurantID(path string) (int64, bool) {
	rest := strings.TrimSuffix(strings.TrimPrefix(path, "/restaurants/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
