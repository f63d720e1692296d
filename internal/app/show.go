package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"confidential-settlement/internal/storage"
)

// Show prints the most recent audit events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	ledger, closeLedger, err := a.openPersistentLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	events, err := ledger.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tActor\tBatch\tDeal\tRequest\tAmount\tDetail")

	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Kind,
			formatActor(ev),
			formatID(ev.BatchID),
			formatID(ev.DealID),
			formatID(ev.RequestID),
			formatAmount(ev),
			sanitizeInline(ev.Detail),
		)
	}

	writer.Flush()
	return nil
}

// openPersistentLedger is openLedger for the offline commands, which are
// only meaningful against the shared database.
func (a *App) openPersistentLedger(ctx context.Context) (storage.Ledger, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database not configured; this command needs database.dsn")
	}
	ledger, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ledger, closeLedger, nil
}

func formatActor(ev storage.Event) string {
	if ev.Actor == nil {
		return ""
	}
	return ev.Actor.Hex()
}

func formatID(id *uint64) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%d", *id)
}

func formatAmount(ev storage.Event) string {
	if ev.Amount == nil {
		return ""
	}
	return ev.Amount.String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
