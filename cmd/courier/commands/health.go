package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/courier-mta/courier/internal/health"
	"github.com/courier-mta/courier/internal/logging"
	"github.com/courier-mta/courier/internal/store"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one sender health cycle and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := logging.Setup(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}); err != nil {
			return err
		}

		st, err := store.NewGormStore(store.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		dnsClient := health.NewDNSClient(time.Duration(cfg.Health.DNSTimeoutMs) * time.Millisecond)
		evaluator := health.NewEvaluator(&health.Config{
			BatchSize:     cfg.Health.BatchSize,
			DNSBLZones:    cfg.Health.DNSBLZones,
			DKIMSelectors: cfg.Health.DKIMSelectors,
			DNSTimeout:    time.Duration(cfg.Health.DNSTimeoutMs) * time.Millisecond,
		}, dnsClient, st)

		ctx := context.Background()
		if err := evaluator.RunCycle(ctx); err != nil {
			return fmt.Errorf("health cycle failed: %w", err)
		}

		senders, err := st.ListVerifiedSenders(ctx)
		if err != nil {
			return fmt.Errorf("failed to list senders: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "SENDER\tDOMAIN\tSCORE\tSTATUS\tBOUNCE RATE")
		for _, sender := range senders {
			h, err := st.GetSenderHealth(ctx, sender.ID)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f%%\n",
				sender.ID, sender.Domain, h.ReputationScore, h.HealthStatus, h.BounceRate*100)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
