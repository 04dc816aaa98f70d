package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/forecaster/pkg/engine"
	"github.com/raterudder/forecaster/pkg/fetch"
	"github.com/raterudder/forecaster/pkg/forecast"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
)

// query holds the parameters shared by the forecast endpoints.
type query struct {
	site string
	band types.Band
}

func parseQuery(r *http.Request) (query, error) {
	band, err := types.ParseBand(r.URL.Query().Get("band"), "")
	if err != nil {
		return query{}, err
	}
	return query{site: r.URL.Query().Get("site"), band: band}, nil
}

// intParam returns the integer query parameter name or def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &types.ValidationError{Field: name, Reason: fmt.Sprintf("%q is not an integer", raw)}
	}
	return v, nil
}

// timeParam returns the RFC 3339 query parameter name or the zero time.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &types.ValidationError{Field: name, Reason: fmt.Sprintf("%q is not an RFC 3339 time", raw)}
	}
	return t, nil
}

// writeError maps engine and aggregator errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrConfigInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, forecast.ErrUnknownSite):
		code = http.StatusNotFound
	case errors.Is(err, forecast.ErrDataIncomplete):
		code = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrUpdateInProgress):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrTooSoon), errors.Is(err, fetch.ErrQuotaExhausted):
		code = http.StatusTooManyRequests
	case errors.Is(err, fetch.ErrAPIBusy), errors.Is(err, fetch.ErrTransport):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		log.Ctx(ctx).ErrorContext(ctx, "request failed", slog.Any("error", err))
	} else {
		log.Ctx(ctx).DebugContext(ctx, "request rejected", slog.Int("code", code), slog.Any("error", err))
	}
	writeJSONError(w, err.Error(), code)
}

type energyRes struct {
	KWh float64 `json:"kwh"`
}

type powerRes struct {
	At time.Time `json:"at"`
	KW float64   `json:"kw"`
	W  int       `json:"w"`
}

type hourRes struct {
	Start time.Time `json:"start"`
	Wh    int       `json:"wh"`
}

func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	start, err := timeParam(r, "start")
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agg := s.engine.Aggregator()

	if !start.IsZero() || !end.IsZero() {
		if start.IsZero() || !end.After(start) {
			writeError(w, r, &types.ValidationError{Field: "end", Reason: "start and end are both required and end must be after start"})
			return
		}
		sum, err := agg.Total(start, end, q.site, q.band)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, energyRes{KWh: types.Round(0.5 * sum)})
		return
	}

	day, err := intParam(r, "day", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	kwh, err := agg.DayEnergy(day, q.site, q.band)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, energyRes{KWh: kwh})
}

func (s *Server) handleMoment(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	minutes, err := intParam(r, "minutes", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	at := s.now().Add(time.Duration(minutes) * time.Minute).Truncate(5 * time.Minute)
	kw, err := s.engine.Aggregator().Moment(at, q.site, q.band)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, powerRes{At: at, KW: kw, W: int(math.Round(kw * 1000))})
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agg := s.engine.Aggregator()
	now := s.now()
	if end.IsZero() {
		end = types.DayStart(now, agg.Options().Location, 1)
	}
	kwh, err := agg.Remaining(now, end, q.site, q.band)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, energyRes{KWh: kwh})
}

func (s *Server) handlePeak(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	day, err := intParam(r, "day", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.engine.Aggregator().Peak(day, q.site, q.band)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	day, err := intParam(r, "day", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.engine.Aggregator().DayDetail(day, r.URL.Query().Get("site"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleHour(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := intParam(r, "hour", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agg := s.engine.Aggregator()
	wh, err := agg.Hour(n, q.site, q.band)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := s.now().In(agg.Options().Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Duration(n) * time.Hour)
	writeJSON(w, hourRes{Start: start, Wh: wh})
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Aggregator().Completeness())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Status())
}
