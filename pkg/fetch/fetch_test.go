package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raterudder/forecaster/pkg/quota"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuota struct {
	mu        sync.Mutex
	limited   bool
	recorded  int
	released  int
	exhausted int
}

func (q *fakeQuota) Reserve(key string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limited && !force {
		return errors.New("limit reached")
	}
	return nil
}

func (q *fakeQuota) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released++
}

func (q *fakeQuota) RecordCall(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recorded++
	return nil
}

func (q *fakeQuota) MarkExhausted(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted++
	return nil
}

func testPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

const forecastBody = `{"forecasts": [
	{"period_end": "2024-06-01T10:30:00.0000000Z", "pv_estimate": 1.23456, "pv_estimate10": 1, "pv_estimate90": 1.5, "period": "PT30M"},
	{"period_end": "2024-06-01T10:00:00.0000000Z", "pv_estimate": 1, "pv_estimate10": 0.5, "pv_estimate90": 1.25, "period": "PT30M"}
]}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeQuota, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	q := &fakeQuota{}
	return NewClient(srv.URL, srv.Client(), nil, q, testPolicy()), q, &calls
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	req := Request{Site: "site-a", APIKey: "key-123456", Kind: KindForecasts, Hours: 168}

	t.Run("success", func(t *testing.T) {
		c, q, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/rooftop_sites/site-a/forecasts", r.URL.Path)
			assert.Equal(t, "json", r.URL.Query().Get("format"))
			assert.Equal(t, "key-123456", r.URL.Query().Get("api_key"))
			assert.Equal(t, "168", r.URL.Query().Get("hours"))
			fmt.Fprint(w, forecastBody)
		})
		got, err := c.Fetch(ctx, req)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC), got[0].PeriodStart)
		assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), got[1].PeriodStart)
		assert.Equal(t, 1.2346, got[1].Estimate)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, q.recorded)
	})

	t.Run("forced calls are not recorded", func(t *testing.T) {
		c, q, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, forecastBody)
		})
		q.limited = true
		_, err := c.Fetch(ctx, req)
		require.Error(t, err)

		forced := req
		forced.Force = true
		_, err = c.Fetch(ctx, forced)
		require.NoError(t, err)
		assert.Equal(t, 0, q.recorded)
	})

	t.Run("quota exhausted after one request", func(t *testing.T) {
		c, q, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"response_status": {"error_code": "TooManyRequests", "message": "You have exceeded your free daily limit."}}`)
		})
		var failures int
		r := req
		r.OnFailure = func() { failures++ }
		_, err := c.Fetch(ctx, r)
		assert.ErrorIs(t, err, ErrQuotaExhausted)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, q.exhausted)
		assert.Equal(t, 1, failures)
		assert.Equal(t, 1, q.released)
		assert.Equal(t, 0, q.recorded)
	})

	t.Run("not found fails immediately", func(t *testing.T) {
		c, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := c.Fetch(ctx, req)
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusNotFound, serr.StatusCode)
		assert.False(t, serr.ReauthRequired())
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("forbidden needs reauth", func(t *testing.T) {
		c, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, err := c.Fetch(ctx, req)
		assert.True(t, IsReauthRequired(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unavailable then success", func(t *testing.T) {
		var (
			c     *Client
			q     *fakeQuota
			calls *atomic.Int32
		)
		c, q, calls = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Load() == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, forecastBody)
		})
		var failures int
		r := req
		r.OnFailure = func() { failures++ }
		got, err := c.Fetch(ctx, r)
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 1, failures)
		assert.Equal(t, 1, q.recorded)
	})

	t.Run("busy on every attempt", func(t *testing.T) {
		c, q, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := c.Fetch(ctx, req)
		assert.ErrorIs(t, err, ErrAPIBusy)
		assert.Equal(t, int32(10), calls.Load())
		assert.Equal(t, 0, q.exhausted)
	})

	t.Run("unexpected rate limit status", func(t *testing.T) {
		c, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"response_status": {"error_code": "Other", "message": "nope"}}`)
		})
		_, err := c.Fetch(ctx, req)
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "nope", serr.Message)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("transport errors are retried", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		p := testPolicy()
		p.MaxAttempts = 3
		c := NewClient(srv.URL, srv.Client(), nil, &fakeQuota{}, p)
		var failures int
		r := req
		r.OnFailure = func() { failures++ }
		_, err := c.Fetch(ctx, r)
		assert.ErrorIs(t, err, ErrTransport)
		assert.NotContains(t, err.Error(), "key-123456")
		assert.Equal(t, 3, failures)
	})

	t.Run("malformed body", func(t *testing.T) {
		c, q, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"estimated_actuals": []}`)
		})
		_, err := c.Fetch(ctx, req)
		assert.Error(t, err)
		assert.Equal(t, 0, q.recorded)
	})
}

func TestListSites(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooftop_sites", r.URL.Path)
		fmt.Fprint(w, `{"sites": [{"resource_id": "1111-2222", "name": "Garage", "capacity": 5.5, "capacity_dc": 6, "azimuth": 10, "tilt": 25, "install_date": "2020-01-01T00:00:00.0000000Z", "loss_factor": 0.9, "latitude": -33.8, "longitude": 151.2}], "total_records": 1}`)
	})
	sites, err := c.ListSites(context.Background(), "key-123456")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "1111-2222", sites[0].ResourceID)
	assert.Equal(t, "Garage", sites[0].Name)
	assert.Equal(t, 5.5, sites[0].Capacity)
	assert.Equal(t, "key-123456", sites[0].APIKey)
}

func TestRetryPolicy(t *testing.T) {
	t.Run("backoff grows linearly", func(t *testing.T) {
		p := DefaultRetryPolicy()
		for attempt := 1; attempt <= 3; attempt++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(attempt)*15*time.Second)
			assert.Less(t, d, time.Duration(attempt+1)*15*time.Second)
		}
	})

	t.Run("stops on non retryable", func(t *testing.T) {
		p := testPolicy()
		var calls int
		err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			return &StatusError{StatusCode: http.StatusBadRequest}
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled wait returns last error", func(t *testing.T) {
		p := testPolicy()
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		err := p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return ErrTransport
		})
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("classification", func(t *testing.T) {
		assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrTransport)))
		assert.True(t, IsRetryable(&StatusError{StatusCode: http.StatusBadGateway}))
		assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusInternalServerError}))
		assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusUnauthorized}))
		assert.False(t, IsRetryable(errQuota))
	})
}

func TestFetchConcurrentQuota(t *testing.T) {
	ctx := context.Background()
	fp, err := storage.NewFileProvider(t.TempDir())
	require.NoError(t, err)
	tr := quota.New(storage.NewDatabase(fp), []string{"key-123456"}, map[string]int{"key-123456": 10}, nil)
	for range 9 {
		require.NoError(t, tr.RecordCall(ctx, "key-123456"))
	}

	var mu sync.Mutex
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		code := status
		mu.Unlock()
		w.WriteHeader(code)
		fmt.Fprint(w, forecastBody)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, srv.Client(), nil, tr, testPolicy())

	t.Run("failed call returns its reservation", func(t *testing.T) {
		mu.Lock()
		status = http.StatusNotFound
		mu.Unlock()
		_, err := c.Fetch(ctx, Request{Site: "a", APIKey: "key-123456", Kind: KindForecasts, Hours: 24})
		require.Error(t, err)
		assert.True(t, tr.CanCall("key-123456", false))

		mu.Lock()
		status = http.StatusOK
		mu.Unlock()
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, site := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Fetch(ctx, Request{Site: site, APIKey: "key-123456", Kind: KindForecasts, Hours: 24})
		}()
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, quota.ErrLimitReached):
			limited++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)
	u, found := tr.Usage("key-123456")
	require.True(t, found)
	assert.Equal(t, 10, u.DailyLimitConsumed)
}
