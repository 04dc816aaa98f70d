package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/store"
	"github.com/raterudder/forecaster/pkg/types"
)

// seeds a storage backend with synthetic rooftop forecasts for local
// development against the firestore emulator or a file/sqlite store
func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	db := storage.Configured()
	sitesFlag := lflag.String("seed-sites", "seed-site-1", "comma-delimited resource ids to seed")
	daysFlag := lflag.String("seed-days", "8", "days of forecast to seed, starting today")
	peakFlag := lflag.String("seed-peak-kw", "5", "peak generation of each site in kW")
	lflag.Configure()

	ctx := context.Background()
	defer db.Close()

	days, err := strconv.Atoi(*daysFlag)
	if err != nil || days < 1 || days > 14 {
		log.Ctx(ctx).ErrorContext(ctx, "seed-days must be between 1 and 14", "value", *daysFlag)
		os.Exit(1)
	}
	peak, err := strconv.ParseFloat(*peakFlag, 64)
	if err != nil || peak <= 0 {
		log.Ctx(ctx).ErrorContext(ctx, "seed-peak-kw must be positive", "value", *peakFlag)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding mock forecasts")

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	now := time.Now().UTC()
	// one day of history so yesterday queries have data
	start := types.DayStart(now, time.UTC, -1)
	st := store.New(db)
	for _, site := range strings.Split(*sitesFlag, ",") {
		site = strings.TrimSpace(site)
		if site == "" {
			continue
		}
		ivs := generate(rng, start, (days+1)*48, peak)
		st.Upsert(types.VariantUndampened, site, ivs)
		st.Upsert(types.VariantDampened, site, ivs)
		fmt.Printf("Seeded %s: %d intervals, %.1f kWh today\n", site, len(ivs), energy(ivs[48:96]))
	}
	for _, v := range []types.Variant{types.VariantDampened, types.VariantUndampened} {
		st.Update(v, func(doc *types.ForecastDocument) {
			doc.LastUpdated = now.Truncate(time.Second)
			doc.LastAttempt = now.Truncate(time.Second)
		})
	}
	if err := st.SaveAll(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed forecasts", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock forecasts successfully")
}

// generate returns n half hour intervals from start following a bell curve
// that peaks at 13:00 with up to 10% jitter.
func generate(rng *rand.Rand, start time.Time, n int, peakKW float64) []types.Interval {
	out := make([]types.Interval, n)
	for i := range out {
		t := start.Add(time.Duration(i) * types.IntervalLength)
		hour := float64(t.Hour()) + float64(t.Minute())/60
		var kw float64
		if hour > 6 && hour < 20 {
			dist := hour - 13
			kw = peakKW * math.Exp(-(dist*dist)/8) * (0.9 + rng.Float64()*0.1)
		}
		out[i] = types.Interval{
			PeriodStart: t,
			Estimate:    kw,
			Estimate10:  kw * 0.7,
			Estimate90:  math.Min(peakKW, kw*1.2),
		}.Rounded()
	}
	return out
}

func energy(ivs []types.Interval) float64 {
	var sum float64
	for _, iv := range ivs {
		sum += iv.Estimate
	}
	return types.Round(0.5 * sum)
}
