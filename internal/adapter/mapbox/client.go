// Package mapbox resolves municipality names to coordinates with the Mapbox
// Geocoding API. Coordinates feed the weather sources for locations that are
// configured without them.
package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
)

const defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"

// minRelevance drops partial matches such as a street named after the city.
const minRelevance = 0.5

// Client implements domain.Geocoder for Brazilian municipalities.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewClient creates a Mapbox client. timeout bounds each API call.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
		logger:  logger,
	}
}

// Locate looks up "name, state" among Brazilian places. Matches below
// minRelevance count as not found.
func (c *Client) Locate(ctx context.Context, name, state string) (domain.Place, bool, error) {
	start := time.Now()
	place, found, err := c.locate(ctx, query(name, state))
	c.metrics.GeocodeDuration.Observe(time.Since(start).Seconds())

	outcome := "found"
	switch {
	case err != nil:
		outcome = "error"
	case !found:
		outcome = "not_found"
	}
	c.metrics.GeocodeRequests.WithLabelValues(outcome).Inc()
	return place, found, err
}

func query(name, state string) string {
	name = strings.TrimSpace(name)
	if state = strings.TrimSpace(state); state != "" {
		return name + ", " + state
	}
	return name
}

func (c *Client) locate(ctx context.Context, q string) (domain.Place, bool, error) {
	params := url.Values{
		"access_token": {c.token},
		"country":      {"br"},
		"types":        {"place,locality"},
		"limit":        {"1"},
	}
	endpoint := c.baseURL + "/" + url.PathEscape(q) + ".json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Place{}, false, fmt.Errorf("mapbox: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Place{}, false, fmt.Errorf("mapbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Place{}, false, fmt.Errorf("mapbox: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return domain.Place{}, false, fmt.Errorf("mapbox: decode response: %w", err)
	}
	if len(fc.Features) == 0 {
		return domain.Place{}, false, nil
	}

	f := fc.Features[0]
	if len(f.Center) != 2 || f.Relevance < minRelevance {
		c.logger.Debug("mapbox match rejected", "query", q, "place", f.PlaceName, "relevance", f.Relevance)
		return domain.Place{}, false, nil
	}
	return domain.Place{
		Name:      f.Text,
		Lon:       f.Center[0],
		Lat:       f.Center[1],
		Relevance: f.Relevance,
	}, true, nil
}

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	Text      string    `json:"text"`
	PlaceName string    `json:"place_name"`
	Center    []float64 `json:"center"` // lon, lat
	Relevance float64   `json:"relevance"`
}
