package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/queue"
)

var analyticsSince time.Duration

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show delivery analytics",
	RunE:  runAnalytics,
}

func init() {
	analyticsCmd.Flags().DurationVar(&analyticsSince, "since", 24*time.Hour, "Window length ending now")
	rootCmd.AddCommand(analyticsCmd)
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	if analyticsSince <= 0 {
		return fmt.Errorf("--since must be positive")
	}

	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	to := time.Now()
	snap, err := eng.Analytics(context.Background(), to.Add(-analyticsSince), to)
	if err != nil {
		return fmt.Errorf("failed to compute analytics: %w", err)
	}

	fmt.Printf("Window: %s - %s\n", snap.WindowStart.Format(time.RFC3339), snap.WindowEnd.Format(time.RFC3339))
	fmt.Printf("  Total:         %d\n", snap.Total)
	fmt.Printf("  Sent:          %d\n", snap.Sent)
	fmt.Printf("  Failed:        %d\n", snap.Failed)
	fmt.Printf("  Pending:       %d\n", snap.Pending)
	fmt.Printf("  Cancelled:     %d\n", snap.Cancelled)
	fmt.Printf("  Delivery rate: %.1f%%\n", snap.DeliveryRate*100)
	fmt.Printf("  Bounce rate:   %.1f%%\n", snap.BounceRate*100)

	fmt.Println("\nBy channel:")
	for _, ch := range queue.Channels {
		fmt.Printf("  %-8s %d\n", ch, snap.ChannelBreakdown[ch])
	}

	if len(snap.RulePerformance) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tKIND\tTRIGGERED\tSENT\tFAILED\tDELIVERY\tAVG DELAY")
	for _, rp := range snap.RulePerformance {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.1f%%\t%.0fs\n",
			rp.RuleID, rp.RuleKind, rp.TriggeredCount, rp.Sent, rp.Failed, rp.DeliveryRate*100, rp.AvgDeliveryTimeSeconds)
	}
	return w.Flush()
}
