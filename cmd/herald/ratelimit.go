package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured rate limits",
	RunE:  runRatelimitShow,
}

var ratelimitStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show current usage of a rate limit counter",
	Long: `Show the hourly and daily counters of one rate limit key.
Keys: "global" for the global level, a channel name for the channel level,
"<channel>/<address>" for the recipient level. Stop the server first.`,
	RunE: runRatelimitStats,
}

var (
	ratelimitLevel string
	ratelimitKey   string
)

func init() {
	ratelimitStatsCmd.Flags().StringVar(&ratelimitLevel, "level", string(ratelimit.LevelGlobal), "level (global, channel, recipient)")
	ratelimitStatsCmd.Flags().StringVar(&ratelimitKey, "key", "", "counter key")

	ratelimitCmd.AddCommand(ratelimitShowCmd)
	ratelimitCmd.AddCommand(ratelimitStatsCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rl := cfg.RateLimit
	fmt.Printf("Enabled: %v\n\n", rl.Enabled)
	if !rl.Enabled {
		fmt.Println("Rate limiting is disabled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tMESSAGES/HOUR\tMESSAGES/DAY")
	writeLimitRow(w, ratelimit.LevelGlobal, "global", rl.Global)

	channels := make([]string, 0, len(rl.Channels))
	for ch := range rl.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		writeLimitRow(w, ratelimit.LevelChannel, ch, rl.Channels[ch])
	}

	writeLimitRow(w, ratelimit.LevelRecipient, "*", rl.DefaultRecipient)
	return w.Flush()
}

func runRatelimitStats(cmd *cobra.Command, args []string) error {
	level, key, err := parseRateLimitKey(ratelimitLevel, ratelimitKey)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path, queue.Options{})
	if err != nil {
		return fmt.Errorf("failed to open storage (is the server running?): %w", err)
	}
	defer storage.Close()

	rlConfig := cfg.RateLimit.Config
	limiter, err := ratelimit.NewLimiter(storage.DB(), &rlConfig)
	if err != nil {
		return fmt.Errorf("failed to open rate limiter: %w", err)
	}
	defer limiter.Stop()

	stats, err := limiter.GetStats(context.Background(), level, key)
	if err != nil {
		return err
	}
	return printRateLimitStats(os.Stdout, stats, limiter.LimitFor(level, key))
}

// parseRateLimitKey checks the level and fills the default global key
func parseRateLimitKey(level, key string) (ratelimit.Level, string, error) {
	switch ratelimit.Level(level) {
	case ratelimit.LevelGlobal:
		if key == "" {
			key = "global"
		}
	case ratelimit.LevelChannel:
		if !queue.Channel(key).Valid() {
			return "", "", fmt.Errorf("--key must be a channel name, got %q", key)
		}
	case ratelimit.LevelRecipient:
		if key == "" {
			return "", "", fmt.Errorf("--key is required for the recipient level (<channel>/<address>)")
		}
	default:
		return "", "", fmt.Errorf("unknown level %q (use global, channel or recipient)", level)
	}
	return ratelimit.Level(level), key, nil
}

func printRateLimitStats(out io.Writer, stats *ratelimit.Stats, limit *ratelimit.LimitConfig) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Level:\t%s\n", stats.Level)
	fmt.Fprintf(w, "Key:\t%s\n", stats.Key)
	fmt.Fprintf(w, "Hourly:\t%s\n", usage(stats.HourlyCount, limit, true))
	fmt.Fprintf(w, "Daily:\t%s\n", usage(stats.DailyCount, limit, false))
	if !stats.HourStart.IsZero() {
		fmt.Fprintf(w, "Hour window:\t%s\n", stats.HourStart.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Day window:\t%s\n", stats.DayStart.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func usage(count int, limit *ratelimit.LimitConfig, hourly bool) string {
	ceiling := 0
	if limit != nil {
		ceiling = limit.MessagesPerDay
		if hourly {
			ceiling = limit.MessagesPerHour
		}
	}
	if ceiling <= 0 {
		return fmt.Sprintf("%d (unlimited)", count)
	}
	return fmt.Sprintf("%d / %d", count, ceiling)
}

func writeLimitRow(w io.Writer, level ratelimit.Level, key string, limit *ratelimit.LimitConfig) {
	if limit == nil {
		fmt.Fprintf(w, "%s\t%s\t-\t-\n", level, key)
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", level, key, limit.MessagesPerHour, limit.MessagesPerDay)
}
