package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/tracker"
)

// Status prints every configured instrument with its alert state and the
// deferred queue.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.build(store, nil, nil, nil)
	report, err := c.service.Status(ctx)
	if err != nil {
		return err
	}

	state := "enabled"
	if !report.Enabled {
		state = "disabled"
	}
	window := "closed"
	if report.WindowOpen {
		window = "open"
	}
	fmt.Fprintf(a.Out, "monitoring %s, notification window %s, next trigger %s\n\n",
		state, window, report.NextTrigger.Format(time.RFC3339))

	if len(report.Instruments) == 0 {
		fmt.Fprintln(a.Out, "no instruments configured")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tThreshold%\tLast%\tStatus\tPending\tNext Notification\tGroups")
	for _, inst := range report.Instruments {
		last := "-"
		if inst.LastRate != nil {
			last = formatDecimal(*inst.LastRate, 2)
		}
		status := string(inst.Status)
		if inst.Cooling {
			status += " (cooling)"
		}
		if !inst.Enabled {
			status += " [off]"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			inst.Key,
			formatDecimal(inst.Threshold, 2),
			last,
			status,
			inst.Pending,
			formatTime(inst.NextNotification),
			strings.Join(inst.Groups, ","),
		)
	}
	writer.Flush()

	queue, err := c.service.Deferred(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return nil
	}
	fmt.Fprintln(a.Out)
	writer = tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Deferred\tType\tRate%\tRecipients\tScheduled")
	for _, n := range queue {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			n.Key,
			n.Type,
			formatDecimal(n.Payload.Rate, 2),
			len(n.Payload.Recipients),
			n.ScheduledTime.Format(time.RFC3339),
		)
	}
	writer.Flush()
	return nil
}

// History prints recently delivered notifications.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tKey\tType\tRate%\tThreshold%\tRecipient")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.SentAt.UTC().Format(time.RFC3339),
			rec.Key,
			rec.Type,
			formatDecimal(rec.Rate, 2),
			formatDecimal(rec.Threshold, 2),
			sanitizeInline(rec.Recipient),
		)
	}
	writer.Flush()
	return nil
}

// ResetCooldown clears the repeat-alert cooldown of one instrument.
func (a *App) ResetCooldown(ctx context.Context, key string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.build(store, nil, nil, nil)
	state, err := c.service.ResetCooldown(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s: next notification %s\n", key, formatTime(state.NextNotification))
	return nil
}

// printLogs writes the lines after last and returns the new last line.
func (a *App) printLogs(logs []string, last string) string {
	start := 0
	if last != "" {
		for i := len(logs) - 1; i >= 0; i-- {
			if logs[i] == last {
				start = i + 1
				break
			}
		}
	}
	for _, line := range logs[start:] {
		fmt.Fprintln(a.Out, line)
	}
	if len(logs) == 0 {
		return last
	}
	return logs[len(logs)-1]
}

func (a *App) checkOutcome(snap tracker.Snapshot) error {
	if snap.Error != "" {
		return errors.New(snap.Error)
	}
	if snap.Result == nil {
		return nil
	}
	if snap.Result.Skipped() {
		fmt.Fprintf(a.Out, "run skipped: %s\n", snap.Result.Reason)
		return nil
	}
	fmt.Fprintf(a.Out, "processed %d, succeeded %d, failed %d, drained %d\n",
		snap.Processed, snap.Succeeded, snap.Failed, len(snap.Result.Drained))
	if !snap.Result.Success {
		return fmt.Errorf("run failed: %s", snap.Result.Error)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
