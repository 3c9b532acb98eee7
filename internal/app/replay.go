package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/ltv"
	"collateral-risk/internal/oracle"
)

// Replay feeds a CSV of timestamp,price rows through a fresh tracker and
// prints the volatility windows and adjusted LTV after every sample. Nothing
// is read from or written to storage.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.Path == "" {
		return errors.New("--file must be provided")
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.replay(ctx, opts.Asset, f)
}

func (a *App) replay(ctx context.Context, asset string, r io.Reader) error {
	cfg, ok := a.assetConfig(asset)
	if !ok {
		return fmt.Errorf("asset %s is not configured under oracle.assets", asset)
	}
	tracker := oracle.NewTracker(a.Config.Oracle.Staleness)
	if err := tracker.RegisterAsset(cfg); err != nil {
		return err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Time (UTC)\tPrice\t7d vol (bp)\t30d vol (bp)\tFinal LTV (bp)")

	rp := a.Config.Risk.Params
	rows := 0
	for line := 1; ; line++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && isHeader(record) {
			continue
		}
		p, err := parsePriceRow(asset, record)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		m, err := tracker.PushPrice(ctx, p)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		rows++

		finalLTV := "-"
		if vol, err := m.Best(); err == nil {
			q, err := ltv.Calculate(ltv.Inputs{
				BaseLTV:     fixed.New(cfg.BaseLTV),
				Volatility:  vol,
				KFactor:     rp.KFactor,
				HorizonDays: rp.TimeHorizonDays,
				MinLTV:      rp.MinCollateralFactor,
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			finalLTV = q.FinalLTV.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Timestamp.UTC().Format(time.RFC3339),
			formatUSD(p.Price),
			windowReading(m.SevenDay, m.SevenDayReady),
			windowReading(m.ThirtyDay, m.ThirtyDayReady),
			finalLTV,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.Logger.Info().Str("asset", asset).Int("samples", rows).Msg("replay complete")
	return nil
}

func (a *App) assetConfig(symbol string) (oracle.AssetConfig, bool) {
	for _, c := range a.Config.Oracle.Assets {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return oracle.AssetConfig{}, false
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	_, err := time.Parse(time.RFC3339, strings.TrimSpace(record[0]))
	return err != nil
}

func parsePriceRow(asset string, record []string) (oracle.AssetPrice, error) {
	if len(record) < 2 {
		return oracle.AssetPrice{}, fmt.Errorf("want timestamp,price; got %d fields", len(record))
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(record[0]))
	if err != nil {
		return oracle.AssetPrice{}, fmt.Errorf("timestamp: %w", err)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(record[1]))
	if err != nil {
		return oracle.AssetPrice{}, fmt.Errorf("price: %w", err)
	}
	price, err := fixed.FromDecimal(d, fixed.USDDecimals)
	if err != nil {
		return oracle.AssetPrice{}, fmt.Errorf("price: %w", err)
	}
	return oracle.AssetPrice{Asset: asset, Price: price, Timestamp: at, Source: "replay"}, nil
}

func windowReading(v fixed.Int, ready bool) string {
	if !ready {
		return "-"
	}
	return v.String()
}
