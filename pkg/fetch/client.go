// Package fetch calls the forecast provider's rooftop site API.
package fetch

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

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/common"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
	"golang.org/x/time/rate"
)

// Kind selects the series requested from the provider.
type Kind string

const (
	KindForecasts        Kind = "forecasts"
	KindEstimatedActuals Kind = "estimated_actuals"
)

// Quota is the subset of the quota tracker the client needs.
type Quota interface {
	Reserve(key string, force bool) error
	Release(key string)
	RecordCall(ctx context.Context, key string) error
	MarkExhausted(ctx context.Context, key string) error
}

// Client fetches site data with bounded retries, request pacing and quota
// accounting.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	quota   Quota
	retry   RetryPolicy
}

// Configured sets up flags for the provider client and returns the
// instance.
func Configured(q Quota) *Client {
	c := &Client{
		client: common.HTTPClient(60 * time.Second),
		quota:  q,
		retry:  DefaultRetryPolicy(),
	}
	apiURL := lflag.String("solcast-url", "https://api.solcast.com.au", "Base URL of the Solcast API")
	fetchRate := lflag.String("fetch-rate", "1", "Maximum provider requests per second")

	lflag.Do(func() {
		c.baseURL = *apiURL
		perSecond, err := strconv.ParseFloat(*fetchRate, 64)
		if err != nil || perSecond <= 0 {
			panic(fmt.Sprintf("invalid fetch-rate: %q", *fetchRate))
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("fetch validation failed: %v", err))
		}
	})

	return c
}

// NewClient returns a client for baseURL. A nil limiter disables pacing.
func NewClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter, q Quota, retry RetryPolicy) *Client {
	if httpClient == nil {
		httpClient = common.HTTPClient(60 * time.Second)
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		limiter: limiter,
		quota:   q,
		retry:   retry,
	}
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return fmt.Errorf("solcast-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse solcast url (%s): %w", c.baseURL, err)
	}
	return nil
}

// Request describes one site fetch.
type Request struct {
	Site   string
	APIKey string
	Kind   Kind
	Hours  int
	// Force skips the quota check and does not count the call.
	Force bool
	// OnFailure is called for every failed or retried attempt.
	OnFailure func()
}

type providerEntry struct {
	PeriodEnd  string  `json:"period_end"`
	Estimate   float64 `json:"pv_estimate"`
	Estimate10 float64 `json:"pv_estimate10"`
	Estimate90 float64 `json:"pv_estimate90"`
}

type responseStatus struct {
	ResponseStatus *struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	} `json:"response_status"`
}

// Fetch retrieves intervals for one site. The result is sorted by
// PeriodStart with every value rounded to four places.
func (c *Client) Fetch(ctx context.Context, req Request) ([]types.Interval, error) {
	if err := c.quota.Reserve(req.APIKey, req.Force); err != nil {
		return nil, err
	}
	recorded := false
	defer func() {
		if !recorded && !req.Force {
			c.quota.Release(req.APIKey)
		}
	}()

	u, err := url.JoinPath(c.baseURL, "rooftop_sites", req.Site, string(req.Kind))
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("api_key", req.APIKey)
	params.Set("hours", strconv.Itoa(req.Hours))

	ctx = log.WithAttrs(ctx, slog.String("site", req.Site), slog.String("kind", string(req.Kind)))

	var body []byte
	err = c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		body, err = c.get(ctx, u, params, attempt)
		if err != nil && req.OnFailure != nil {
			req.OnFailure()
		}
		return err
	})
	switch {
	case errors.Is(err, errQuota):
		if qerr := c.quota.MarkExhausted(ctx, req.APIKey); qerr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist exhausted quota", slog.Any("error", qerr))
		}
		return nil, ErrQuotaExhausted
	case errors.Is(err, errBusy):
		return nil, fmt.Errorf("%w: %w", ErrAPIBusy, err)
	case err != nil:
		return nil, err
	}

	intervals, err := parseIntervals(body, req.Kind)
	if err != nil {
		if req.OnFailure != nil {
			req.OnFailure()
		}
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched intervals", slog.Int("count", len(intervals)))

	if !req.Force {
		recorded = true
		if err := c.quota.RecordCall(ctx, req.APIKey); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to record api call", slog.Any("error", err))
		}
	}
	return intervals, nil
}

var errQuota = errors.New("too many requests")

// get performs one attempt. A 429 carrying a TooManyRequests status is
// errQuota and is not retried; a 429 without one is errBusy.
func (c *Client) get(ctx context.Context, u string, params url.Values, attempt int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	full := u + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", full, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching from provider", slog.String("url", common.RedactURL(req.URL)), slog.Int("attempt", attempt+1))

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "provider request failed", slog.Int("attempt", attempt+1), slog.Any("error", common.RedactURLError(err)))
		return nil, fmt.Errorf("%w: %w", ErrTransport, common.RedactURLError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	log.Ctx(ctx).WarnContext(ctx, "provider returned error status", slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))
	if resp.StatusCode == http.StatusTooManyRequests {
		var rs responseStatus
		if len(body) > 0 && json.Unmarshal(body, &rs) == nil && rs.ResponseStatus != nil {
			if rs.ResponseStatus.ErrorCode == "TooManyRequests" {
				return nil, errQuota
			}
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: rs.ResponseStatus.Message}
		}
		return nil, errBusy
	}
	return nil, &StatusError{StatusCode: resp.StatusCode}
}

func parseIntervals(body []byte, kind Kind) ([]types.Interval, error) {
	var resp map[string][]providerEntry
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	entries, ok := resp[string(kind)]
	if !ok {
		return nil, fmt.Errorf("response missing %q", kind)
	}
	intervals := make([]types.Interval, 0, len(entries))
	for _, e := range entries {
		end, err := time.Parse(time.RFC3339, e.PeriodEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to parse period_end %q: %w", e.PeriodEnd, err)
		}
		intervals = append(intervals, types.Interval{
			PeriodStart: end.UTC().Truncate(time.Minute).Add(-types.IntervalLength),
			Estimate:    e.Estimate,
			Estimate10:  e.Estimate10,
			Estimate90:  e.Estimate90,
		}.Rounded())
	}
	return types.SortIntervals(intervals), nil
}

type sitesResponse struct {
	Sites []struct {
		types.Site
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"sites"`
	TotalRecords int `json:"total_records"`
}

// ListSites returns the rooftop sites owned by apiKey. The call is not
// metered.
func (c *Client) ListSites(ctx context.Context, apiKey string) ([]types.Site, error) {
	u, err := url.JoinPath(c.baseURL, "rooftop_sites")
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("api_key", apiKey)

	var body []byte
	err = c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		body, err = c.get(ctx, u, params, attempt)
		return err
	})
	if err != nil {
		if errors.Is(err, errQuota) || errors.Is(err, errBusy) {
			return nil, fmt.Errorf("%w: %w", ErrAPIBusy, err)
		}
		return nil, err
	}

	var resp sitesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sites: %w", err)
	}
	sites := make([]types.Site, 0, len(resp.Sites))
	for _, s := range resp.Sites {
		site := s.Site
		site.APIKey = apiKey
		sites = append(sites, site)
	}
	return sites, nil
}
