// Package openweather is a weather source backed by the OpenWeather current
// weather endpoint. Each fetch yields one temperature, humidity and
// precipitation reading stamped with the provider's observation time.
package openweather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
)

// SourceID is the source identifier stamped on every report.
const SourceID = "openweather"

const maxBodyBytes = 1 << 20

var (
	errServerStatus = errors.New("server error")
	errRateLimited  = errors.New("rate limited")
)

// Client implements domain.Source.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	circuit    *gobreaker.CircuitBreaker
	geocoder   domain.Geocoder
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithGeocoder resolves coordinates for locations configured without them.
func WithGeocoder(g domain.Geocoder) Option {
	return func(c *Client) { c.geocoder = g }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an OpenWeather source.
func NewClient(apiKey, baseURL string, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    metrics,
		logger:     logger,
	}
	c.circuit = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        SourceID,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return SourceID }

type currentWeather struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Rain struct {
		OneH   *float64 `json:"1h"`
		ThreeH *float64 `json:"3h"`
	} `json:"rain"`
}

// Fetch returns the current readings for loc. A reading observed before
// since is dropped, so repeated fetches within one provider update are
// harmless; identical readings also collapse by report ID downstream.
func (c *Client) Fetch(ctx context.Context, loc domain.Location, since time.Time) ([]domain.RawReport, error) {
	loc = domain.ResolveCoordinates(ctx, loc, c.geocoder, c.logger)

	payload, err := c.current(ctx, loc)
	if err != nil {
		kind := domain.ErrSourceUnavailable
		outcome := "unavailable"
		if errors.Is(err, errRateLimited) {
			kind, outcome = domain.ErrRateLimited, "rate_limited"
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.metrics.SourceFetches.WithLabelValues(SourceID, outcome).Inc()
		return nil, &domain.SourceError{SourceID: SourceID, LocationID: loc.ID, Kind: kind, Err: err}
	}
	c.metrics.SourceFetches.WithLabelValues(SourceID, "success").Inc()

	if payload.Dt == 0 {
		c.logger.Warn("openweather response without observation time", "location_id", loc.ID)
		return nil, nil
	}
	observed := time.Unix(payload.Dt, 0).UTC()
	if observed.Before(since) {
		return nil, nil
	}

	// Rain is absent when it did not rain.
	precip := 0.0
	switch {
	case payload.Rain.OneH != nil:
		precip = *payload.Rain.OneH
	case payload.Rain.ThreeH != nil:
		precip = *payload.Rain.ThreeH
	}

	readings := []struct {
		metric domain.Metric
		value  *float64
	}{
		{domain.MetricTemperature, payload.Main.Temp},
		{domain.MetricHumidity, payload.Main.Humidity},
		{domain.MetricPrecipitation, &precip},
	}
	reports := make([]domain.RawReport, 0, len(readings))
	for _, rd := range readings {
		r, err := domain.NewRawReport(domain.RawReport{
			LocationID: loc.ID,
			ObservedAt: observed,
			Metric:     rd.metric,
			Value:      rd.value,
			SourceID:   SourceID,
		})
		if err != nil {
			c.logger.Warn("dropping openweather reading", "location_id", loc.ID, "metric", rd.metric, "error", err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (c *Client) current(ctx context.Context, loc domain.Location) (currentWeather, error) {
	values := url.Values{}
	values.Set("appid", c.apiKey)
	values.Set("units", "metric")
	if loc.HasCoordinates() {
		values.Set("lat", strconv.FormatFloat(*loc.Lat, 'f', -1, 64))
		values.Set("lon", strconv.FormatFloat(*loc.Lon, 'f', -1, 64))
	} else {
		q := loc.Name
		if q == "" {
			q = loc.ID
		}
		values.Set("q", q+",BR")
	}

	out, err := c.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errRateLimited
		case resp.StatusCode >= http.StatusInternalServerError:
			return nil, fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return currentWeather{}, fmt.Errorf("circuit open: %w", err)
		}
		return currentWeather{}, err
	}

	var payload currentWeather
	if err := json.Unmarshal(out.([]byte), &payload); err != nil {
		return currentWeather{}, fmt.Errorf("decode current weather: %w", err)
	}
	return payload, nil
}
