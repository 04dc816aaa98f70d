package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/forecaster/pkg/engine"
	"github.com/raterudder/forecaster/pkg/forecast"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/store"
	"github.com/raterudder/forecaster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeEngine struct {
	agg *forecast.Aggregator

	mu        sync.Mutex
	triggers  []engine.Trigger
	updateErr error
	cleared   int
	dampening types.DampeningConfig
	hardLimit string
}

func (f *fakeEngine) Aggregator() *forecast.Aggregator { return f.agg }

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{HardLimit: f.hardLimit, Divisions: 5}
}

func (f *fakeEngine) Update(ctx context.Context, trigger engine.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return f.updateErr
}

func (f *fakeEngine) ClearCache(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.updateErr
}

func (f *fakeEngine) SetDampening(ctx context.Context, site string, factors []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.dampening.WithFactors(site, factors, []string{"a", "b"})
	if err != nil {
		return err
	}
	f.dampening = next
	return nil
}

func (f *fakeEngine) GetDampening(site string) ([]float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dampening.Factors(site)
}

func (f *fakeEngine) SetHardLimit(ctx context.Context, limit string) error {
	parsed, err := types.ParseHardLimit(limit, 1)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardLimit = parsed.String()
	return nil
}

func flat(start time.Time, n int, v float64) []types.Interval {
	out := make([]types.Interval, n)
	for i := range out {
		out[i] = types.Interval{
			PeriodStart: start.Add(time.Duration(i) * types.IntervalLength),
			Estimate:    v,
			Estimate10:  v / 2,
			Estimate90:  v * 2,
		}
	}
	return out
}

// newTestServer serves three days of flat 1 kW data for site "a" at 06:00
// on the first day.
func newTestServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	fp, err := storage.NewFileProvider(t.TempDir())
	require.NoError(t, err)
	st := store.New(storage.NewDatabase(fp))
	st.Upsert(types.VariantDampened, "a", flat(today, 48*3, 1))

	now := func() time.Time { return today.Add(6 * time.Hour) }
	fe := &fakeEngine{
		agg:       forecast.New(st, forecast.Options{}, now),
		dampening: types.DefaultDampening(),
		hardLimit: types.NoHardLimit,
	}
	return &Server{engine: fe, now: now, serverName: "forecaster"}, fe
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.setupHandler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "forecaster", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestGzip(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.setupHandler(), http.MethodGet, "/api/day?day=0", "", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.setupHandler(), http.MethodPost, "/api/total", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
