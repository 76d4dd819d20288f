package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/scheduler"
)

var sendTick bool

var sendCmd = &cobra.Command{
	Use:   "send [email...]",
	Short: "Send now",
	Long: `Send to the given recipients immediately, ignoring the send time and
stop flags. Without arguments every currently eligible recipient is sent to.
With --tick a single scheduler pass is run instead, honouring the send time
and the once-per-day guard, which suits running from cron.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendTick, "tick", false, "run one scheduled pass instead of a manual send")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if sendTick {
		if len(args) > 0 {
			return fmt.Errorf("--tick does not take recipients")
		}
		res, err := a.Scheduler().Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Scheduler: %s", res.Outcome)
		if res.RunDate != "" {
			fmt.Printf(" (run date %s)", res.RunDate)
		}
		fmt.Println()
		if res.Outcome == scheduler.OutcomeCompleted || res.Outcome == scheduler.OutcomeStopped {
			printBatch(res.Batch)
		}
		return nil
	}

	var batch *dispatch.BatchResult
	if len(args) > 0 {
		batch, err = a.Scheduler().SendNow(ctx, args)
	} else {
		batch, err = a.Scheduler().SendEligibleNow(ctx)
	}
	if err != nil {
		return err
	}

	printBatch(batch)
	if batch.Failed > 0 {
		return fmt.Errorf("%d send(s) failed", batch.Failed)
	}
	return nil
}

func printBatch(batch *dispatch.BatchResult) {
	if batch == nil {
		return
	}
	for _, r := range batch.Results {
		switch {
		case r.Sent:
			fmt.Printf("  sent     %s (send #%d)\n", r.Email, r.SendOrdinal)
		case r.Skipped:
			fmt.Printf("  skipped  %s %s\n", r.Email, r.Error)
		default:
			fmt.Printf("  failed   %s: %s\n", r.Email, r.Error)
		}
	}
	fmt.Printf("Sent: %d, failed: %d, skipped: %d", batch.Sent, batch.Failed, batch.Skipped)
	if batch.Stopped {
		fmt.Printf(" (stopped early)")
	}
	fmt.Println()
}
