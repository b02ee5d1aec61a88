// Package modelhttp is a model capability backed by a remote model service.
//
// The service exposes two endpoints:
//
//	GET  {base}/metadata  -> model contract
//	POST {base}/predict   -> {"model_version": ..., "predictions": [...]}
//
// The contract is discovered once. A predict response whose model version
// differs from the discovered one is rejected, so a model swapped behind the
// URL surfaces as an invalid window shape until the service is restarted.
package modelhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/model"
)

const maxBodyBytes = 1 << 20

var errServerStatus = errors.New("model server error")

// Client implements model.Capability over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	contract   model.Contract
	logger     *slog.Logger
}

// predictRequest is the body of POST /predict.
type predictRequest struct {
	ModelVersion string           `json:"model_version"`
	LocationID   string           `json:"location_id"`
	EndWeek      domain.WeekKey   `json:"end_week"`
	Features     []string         `json:"features"`
	Weeks        []domain.WeekKey `json:"weeks"`
	Window       [][]float64      `json:"window"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type httpResult struct {
	status int
	body   []byte
}

// New creates a client without contacting the service. Call Discover before
// using it as a capability.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Discover fetches and validates the model contract. Any failure is fatal to
// startup: transport and server errors match domain.ErrModelUnavailable, a
// contract that does not fit the weekly schema matches
// domain.ErrInvalidWindowShape.
func Discover(ctx context.Context, baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	c := New(baseURL, timeout, logger)
	res, err := c.do(ctx, http.MethodGet, "/metadata", nil)
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusOK {
		return nil, fmt.Errorf("%w: metadata returned status %d: %s", domain.ErrModelUnavailable, res.status, describe(res.body))
	}

	var contract model.Contract
	if err := json.Unmarshal(res.body, &contract); err != nil {
		return nil, domain.NewShapeError("", "decode model metadata: %v", err)
	}
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	c.contract = contract
	logger.Info("model contract discovered",
		"model_version", contract.Version,
		"features", contract.Features,
		"window_length", contract.WindowLength,
		"max_horizon", contract.MaxHorizon,
		"fill_policy", contract.PolicyFor(contract.Features[0]),
	)
	return c, nil
}

func (c *Client) Contract() model.Contract { return c.contract }

// Predict posts the window to the model service. It never retries; callers
// decide whether to try again.
func (c *Client) Predict(ctx context.Context, window domain.FeatureWindow) (domain.ForecastSequence, error) {
	version := c.contract.Version
	body, err := json.Marshal(predictRequest{
		ModelVersion: version,
		LocationID:   window.LocationID,
		EndWeek:      window.EndWeek,
		Features:     window.Features,
		Weeks:        window.Weeks,
		Window:       window.Vectors,
	})
	if err != nil {
		return domain.ForecastSequence{}, domain.NewShapeError(version, "encode window: %v", err)
	}

	res, err := c.do(ctx, http.MethodPost, "/predict", body)
	if err != nil {
		return domain.ForecastSequence{}, err
	}

	switch {
	case res.status == http.StatusOK:
	case res.status == http.StatusBadRequest || res.status == http.StatusUnprocessableEntity:
		return domain.ForecastSequence{}, domain.NewShapeError(version, "model rejected window: %s", describe(res.body))
	default:
		return domain.ForecastSequence{}, fmt.Errorf("%w: predict returned status %d: %s", domain.ErrModelUnavailable, res.status, describe(res.body))
	}

	var seq domain.ForecastSequence
	if err := json.Unmarshal(res.body, &seq); err != nil {
		return domain.ForecastSequence{}, fmt.Errorf("%w: decode predictions: %v", domain.ErrMalformedForecast, err)
	}
	if seq.ModelVersion != version {
		return domain.ForecastSequence{}, domain.NewShapeError(version, "model answered as version %q", seq.ModelVersion)
	}
	return seq, nil
}

// do runs one request through the circuit breaker. Only transport errors and
// 5xx responses count as breaker failures.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (httpResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		res := httpResult{status: resp.StatusCode, body: data}
		if resp.StatusCode >= http.StatusInternalServerError {
			return res, fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode)
		}
		return res, nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return httpResult{}, ctxErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return httpResult{}, fmt.Errorf("%w: circuit open: %v", domain.ErrModelUnavailable, err)
		}
		if res, ok := out.(httpResult); ok {
			return httpResult{}, fmt.Errorf("%w: %s %s returned status %d: %s", domain.ErrModelUnavailable, method, path, res.status, describe(res.body))
		}
		return httpResult{}, fmt.Errorf("%w: %s %s: %v", domain.ErrModelUnavailable, method, path, err)
	}
	return out.(httpResult), nil
}

// describe extracts a short message from an error body.
func describe(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Error != "" && eb.Detail != "":
			return eb.Error + ": " + eb.Detail
		case eb.Error != "":
			return eb.Error
		case eb.Detail != "":
			return eb.Detail
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
