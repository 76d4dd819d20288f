package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/history"
)

var (
	historyEmail string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show send history",
	RunE:  runHistory,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export send history to a CSV file with a header row",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExport,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show campaign statistics",
	RunE:  runStats,
}

func init() {
	historyCmd.Flags().StringVar(&historyEmail, "email", "", "Only entries for this recipient")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Show at most N most recent entries (0 for all)")

	historyCmd.AddCommand(historyExportCmd)
	rootCmd.AddCommand(historyCmd, statsCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []history.Entry
	if historyEmail != "" {
		entries = a.History().ForRecipient(historyEmail)
	} else {
		entries = a.History().Entries()
	}
	if historyLimit > 0 && len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	if len(entries) == 0 {
		fmt.Println("No history")
		return nil
	}
	printHistory(entries)
	return nil
}

func printHistory(entries []history.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEMAIL\tCOMPANY\t#\tOUTCOME\tSUBJECT")
	for _, e := range entries {
		outcome := string(e.Outcome)
		if e.Reason != "" {
			outcome += ": " + e.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"),
			e.RecipientEmail, e.Company, e.SendOrdinal, outcome, e.Subject)
	}
	w.Flush()
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"timestamp", "email", "company", "subject", "outcome", "reason", "attachments", "send_ordinal"})
	for _, e := range a.History().Entries() {
		w.Write([]string{
			e.Timestamp.Format(time.RFC3339),
			e.RecipientEmail,
			e.Company,
			e.Subject,
			string(e.Outcome),
			e.Reason,
			strconv.Itoa(e.AttachmentCount),
			strconv.Itoa(e.SendOrdinal),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	fmt.Printf("Exported %d entries to %s\n", a.History().Len(), args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s := history.Summarize(a.History().Entries())
	fmt.Printf("Send attempts:     %d\n", s.Attempts)
	fmt.Printf("  Sent:            %d\n", s.Sent)
	fmt.Printf("  Failed:          %d\n", s.Failed)
	fmt.Printf("Recipients reached: %d\n", s.UniqueRecipients)
	fmt.Printf("Resends:           %d\n", s.Resends)

	counts := a.Recipients().StatusCounts()
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	fmt.Printf("\nRecipients: %d\n", a.Recipients().Len())
	for _, status := range statuses {
		fmt.Printf("  %-10s %d\n", status, counts[status])
	}

	st := a.Scheduler().Status()
	fmt.Printf("\nNext scheduled run: %s\n", st.NextRun.Format("2006-01-02 15:04"))
	if st.LastRunDate != "" {
		fmt.Printf("Last run date:      %s\n", st.LastRunDate)
	}
	return nil
}
