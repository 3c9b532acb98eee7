package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/oracle"
)

// pricePoint is one exported sample with the volatility known at that time.
type pricePoint struct {
	At        time.Time
	Price     fixed.Int
	SevenDay  *fixed.Int
	ThirtyDay *fixed.Int
}

// Export renders stored price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	prices, err := store.ListPrices(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		a.Logger.Info().Str("asset", opts.Asset).Msg("no prices found for export window")
		return nil
	}

	points, err := withVolatility(prices)
	if err != nil {
		return err
	}
	downsampled := downsample(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, opts.Asset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// withVolatility replays prices in order so each point carries the window
// readings available when it was observed.
func withVolatility(prices []oracle.AssetPrice) ([]pricePoint, error) {
	var m oracle.VolatilityMetrics
	out := make([]pricePoint, 0, len(prices))
	for _, p := range prices {
		if err := m.Record(p.Price, p.Timestamp); err != nil {
			return nil, err
		}
		pt := pricePoint{At: p.Timestamp, Price: p.Price}
		if m.SevenDayReady {
			v := m.SevenDay
			pt.SevenDay = &v
		}
		if m.ThirtyDayReady {
			v := m.ThirtyDay
			pt.ThirtyDay = &v
		}
		out = append(out, pt)
	}
	return out, nil
}

func downsample(points []pricePoint, max int) []pricePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]pricePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []pricePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "price_usd", "volatility_7d_bp", "volatility_30d_bp"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, pt := range points {
		record := []string{
			pt.At.UTC().Format(time.RFC3339),
			pt.Price.Decimal(fixed.USDDecimals).String(),
			optional(pt.SevenDay),
			optional(pt.ThirtyDay),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func optional(v *fixed.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func writePointsPNG(path, asset string, points []pricePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	price := make([]float64, len(points))
	var volX []time.Time
	var vol []float64

	for i, pt := range points {
		x[i] = pt.At
		price[i] = pt.Price.Decimal(fixed.USDDecimals).InexactFloat64()
		reading := pt.ThirtyDay
		if reading == nil {
			reading = pt.SevenDay
		}
		if reading != nil {
			volX = append(volX, pt.At)
			vol = append(vol, reading.Decimal(2).InexactFloat64())
		}
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Annualized volatility (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    asset,
				XValues: x,
				YValues: price,
			},
		},
	}
	if len(vol) > 1 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Volatility %",
			XValues: volX,
			YValues: vol,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
