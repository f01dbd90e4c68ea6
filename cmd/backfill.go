package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/heatlogd/internal/collector"
	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

var (
	bfHours int
	bfFrom  string
	bfTo    string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill samples from the vendor history",
	Long: `Backfill fetches hourly history from the vendor cloud and stores it tagged
as backfill. With --hours it fills the gap since the newest stored sample,
looking back at most that many hours. With --from it fills an explicit window.
Polled samples are never overwritten.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().IntVar(&bfHours, "hours", 0, "fill the gap since the newest sample, looking back at most N hours (default from config)")
	backfillCmd.Flags().StringVar(&bfFrom, "from", "", "start of an explicit window (YYYY-MM-DD or RFC 3339)")
	backfillCmd.Flags().StringVar(&bfTo, "to", "", "end of an explicit window (default: now)")
	backfillCmd.MarkFlagsMutuallyExclusive("hours", "from")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if bfTo != "" && bfFrom == "" {
		return fmt.Errorf("--to requires --from")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	logger := slog.Default()
	client, err := newCloudClient(cfg, logger)
	if err != nil {
		return err
	}
	normalizer := telemetry.NewNormalizer(cfg.NormalizerSettings())

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bf := collector.NewBackfiller(client.Ingest(), normalizer, s, nil, logger, collector.Options{
		FetchTimeout: cfg.Collection.FetchTimeout,
	})

	var n int
	if bfFrom == "" {
		hours := bfHours
		if hours <= 0 {
			hours = cfg.Collection.BackfillMaxHours
		}
		n, err = bf.DetectAndFill(ctx, hours)
	} else {
		var from, to time.Time
		from, err = parseWhen(bfFrom)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		to = time.Now().UTC()
		if bfTo != "" {
			to, err = parseWhen(bfTo)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}
		logger.Info("backfilling window",
			"device_code", cfg.Cloud.DeviceCode,
			"from", from.Format(time.RFC3339),
			"to", to.Format(time.RFC3339),
		)
		n, err = bf.Fill(ctx, from, to)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d samples\n", n)
	return nil
}

// parseWhen accepts a UTC date or an RFC 3339 timestamp.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}
