package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/courier-mta/courier/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queue.NewManager(cfg.Queue.Dir)
		if err != nil {
			return fmt.Errorf("failed to open queues: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tDEPTH")
		for _, name := range []string{queue.RouteQueue, queue.DeliveryQueue} {
			depth, err := mgr.Depth(name)
			if err != nil {
				return fmt.Errorf("failed to read %s queue: %w", name, err)
			}
			fmt.Fprintf(w, "%s\t%d\n", name, depth)
		}
		return w.Flush()
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "List messages in a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queue.NewManager(cfg.Queue.Dir)
		if err != nil {
			return fmt.Errorf("failed to open queues: %w", err)
		}

		messages, err := mgr.List(args[0])
		if err != nil {
			return fmt.Errorf("failed to list %s queue: %w", args[0], err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tATTEMPTS\tENQUEUED\tVISIBLE")
		for _, msg := range messages {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				msg.ID,
				msg.Payload.EmailID,
				msg.Attempts,
				msg.EnqueuedAt.Format("15:04:05"),
				msg.VisibleAt.Format("15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
}
