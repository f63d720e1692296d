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

	"confidential-settlement/internal/storage"
)

// Export renders the settlement history as CSV and/or a PNG activity chart.
// Only terminal settlement events carry an amount; everything else in the
// window is exported for audit context.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	ledger, closeLedger, err := a.openPersistentLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	events, err := ledger.ListEventsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.Logger.Info().Msg("no events found for export window")
		return nil
	}

	downsampled := downsampleEvents(events, opts.MaxPoints)
	a.Logger.Info().Int("total", len(events)).Int("exported", len(downsampled)).Msg("exporting events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSettlementPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEvents(events []storage.Event, max int) []storage.Event {
	if max <= 0 || len(events) <= max {
		return events
	}

	result := make([]storage.Event, 0, max)
	step := float64(len(events)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(events) {
			idx = len(events) - 1
		}
		result = append(result, events[idx])
	}
	return result
}

func writeEventsCSV(path string, events []storage.Event) error {
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

	header := []string{"created_at", "kind", "actor", "batch_id", "deal_id", "request_id", "amount", "settled", "detail"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		settled := ""
		if ev.Settled != nil {
			if *ev.Settled {
				settled = "true"
			} else {
				settled = "false"
			}
		}
		record := []string{
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Kind,
			formatActor(ev),
			formatID(ev.BatchID),
			formatID(ev.DealID),
			formatID(ev.RequestID),
			formatAmount(ev),
			settled,
			ev.Detail,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeSettlementPNG plots settled amounts over time with cumulative
// settlement count on the secondary axis.
func writeSettlementPNG(path string, events []storage.Event) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x          []time.Time
		amounts    []float64
		cumulative []float64
	)
	count := 0.0
	for _, ev := range events {
		if ev.Kind != storage.EventDealSettled && ev.Kind != storage.EventDealConditionFailed {
			continue
		}
		count++
		amount := 0.0
		if ev.Amount != nil && ev.Settled != nil && *ev.Settled {
			amount = ev.Amount.InexactFloat64()
		}
		x = append(x, ev.CreatedAt)
		amounts = append(amounts, amount)
		cumulative = append(cumulative, count)
	}

	if len(x) < 2 {
		return errors.New("not enough settlement events to chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Settled amount",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Settlements (cumulative)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Settled amount",
				XValues: x,
				YValues: amounts,
			},
			chart.TimeSeries{
				Name:    "Cumulative settlements",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
