package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/queue"
)

var (
	queueListStatus  string
	queueListChannel string
	queueListRule    string
	queueListSearch  string
	queueListLimit   int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <item_id>",
	Short: "Show queue item details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item_id>",
	Short: "Make a failed or pending item due now",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <item_id>",
	Short: "Cancel a pending item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, sent, failed, cancelled)")
	queueListCmd.Flags().StringVar(&queueListChannel, "channel", "", "Filter by channel (email, sms, in_app, push)")
	queueListCmd.Flags().StringVar(&queueListRule, "rule", "", "Filter by rule ID")
	queueListCmd.Flags().StringVar(&queueListSearch, "search", "", "Search subject, content and recipient")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of items to show")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd, queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	items, err := eng.ListQueue(context.Background(), queue.ListFilter{
		Status:  queue.Status(queueListStatus),
		Channel: queue.Channel(queueListChannel),
		RuleID:  queueListRule,
		Search:  queueListSearch,
		Limit:   queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCHANNEL\tRECIPIENT\tENTITY\tSCHEDULED\tRETRIES")
	fmt.Fprintln(w, "--\t------\t-------\t---------\t------\t---------\t-------")

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			item.ID,
			item.Status,
			item.Channel,
			truncate(item.RecipientType+" "+item.Address(), 32),
			item.EntityID,
			item.ScheduledFor.Format("2006-01-02 15:04"),
			item.RetryCount,
			item.MaxRetries,
		)
	}

	return w.Flush()
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	item, err := eng.GetQueueItem(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("item not found: %s", args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(item)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := eng.QueueStats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Queue Statistics:")
	fmt.Printf("  Pending:   %d (due %d, in flight %d)\n", stats.Pending, stats.Due, stats.Leased)
	fmt.Printf("  Sent:      %d\n", stats.Sent)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	fmt.Printf("  Cancelled: %d\n", stats.Cancelled)
	fmt.Printf("  Total:     %d\n", stats.Total)

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := eng.RetryItem(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry item: %w", err)
	}

	fmt.Printf("Item %s scheduled for immediate delivery\n", args[0])
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := eng.CancelItem(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to cancel item: %w", err)
	}

	fmt.Printf("Item %s cancelled\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
