package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/app"
	"github.com/foxzi/followup/internal/recipient"
)

var (
	recipientCompany  string
	recipientContact  string
	recipientPosition string
	recipientNotes    string
	recipientStatus   string
)

var recipientCmd = &cobra.Command{
	Use:     "recipient",
	Aliases: []string{"recipients"},
	Short:   "Recipient management commands",
}

var recipientAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add a recipient",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientAdd,
}

var recipientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipients",
	RunE:  runRecipientList,
}

var recipientShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show recipient details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientShow,
}

var recipientRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove a recipient",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientRemove,
}

var recipientStopCmd = &cobra.Command{
	Use:   "stop <email>",
	Short: "Stop scheduled resends to a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStopResend(args[0], true)
	},
}

var recipientResumeCmd = &cobra.Command{
	Use:   "resume <email>",
	Short: "Resume scheduled resends to a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStopResend(args[0], false)
	},
}

func init() {
	recipientAddCmd.Flags().StringVar(&recipientCompany, "company", "", "Company name")
	recipientAddCmd.Flags().StringVar(&recipientContact, "contact", "", "Contact person name")
	recipientAddCmd.Flags().StringVar(&recipientPosition, "position", "", "Position applied for")
	recipientAddCmd.Flags().StringVar(&recipientNotes, "notes", "", "Free-form notes")

	recipientListCmd.Flags().StringVar(&recipientStatus, "status", "", "Filter by status (pending, sent, completed, failed, stopped)")

	recipientCmd.AddCommand(recipientAddCmd, recipientListCmd, recipientShowCmd,
		recipientRemoveCmd, recipientStopCmd, recipientResumeCmd)
	rootCmd.AddCommand(recipientCmd)
}

func runRecipientAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.Recipients().Add(recipient.NewRecipient{
		Email:       args[0],
		Company:     recipientCompany,
		ContactName: recipientContact,
		Position:    recipientPosition,
		Notes:       recipientNotes,
	}, a.Settings().Settings().MaxResends)
	if err != nil {
		return err
	}
	if err := flushRecipients(a); err != nil {
		return err
	}

	fmt.Printf("Recipient added: %s (max sends %d)\n", r.Email, r.MaxSends)
	return nil
}

func runRecipientList(cmd *cobra.Command, args []string) error {
	var filter recipient.Status
	if recipientStatus != "" {
		s, ok := recipient.ParseStatus(recipientStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", recipientStatus)
		}
		filter = s
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tCOMPANY\tSTATUS\tSENT\tLAST SENT")
	count := 0
	for _, r := range a.Recipients().List() {
		if filter != "" && r.Status != filter {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.Email, r.Company, r.Status, r.SendCount, r.MaxSends, formatTime(r.LastSentAt))
		count++
	}
	w.Flush()

	fmt.Printf("\nTotal: %d recipient(s)\n", count)
	return nil
}

func runRecipientShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.Recipients().Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Email:       %s\n", r.Email)
	fmt.Printf("Company:     %s\n", r.Company)
	fmt.Printf("Contact:     %s\n", r.ContactName)
	fmt.Printf("Position:    %s\n", r.Position)
	if r.Notes != "" {
		fmt.Printf("Notes:       %s\n", r.Notes)
	}
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Sends:       %d/%d\n", r.SendCount, r.MaxSends)
	fmt.Printf("Last sent:   %s\n", formatTime(r.LastSentAt))
	fmt.Printf("Stopped:     %t\n", r.StopResend)
	if r.AddedAt != nil {
		fmt.Printf("Added:       %s\n", r.AddedAt.Local().Format("2006-01-02 15:04"))
	}
	if r.Started() {
		fmt.Printf("Frozen subject: %s\n", r.SavedSubject)
	}

	entries := a.History().ForRecipient(r.Email)
	if len(entries) > 0 {
		fmt.Printf("\nHistory:\n")
		printHistory(entries)
	}
	return nil
}

func runRecipientRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Recipients().Remove(args[0]); err != nil {
		return err
	}
	if err := flushRecipients(a); err != nil {
		return err
	}

	fmt.Printf("Recipient removed: %s\n", args[0])
	return nil
}

func setStopResend(addr string, stop bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.Recipients().SetStopResend(addr, stop)
	if err != nil {
		return err
	}
	if err := flushRecipients(a); err != nil {
		return err
	}

	fmt.Printf("%s: status %s\n", r.Email, r.Status)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// flushRecipients reports a write failure that the store only logged
func flushRecipients(a *app.App) error {
	if !a.Recipients().Dirty() {
		return nil
	}
	return a.Recipients().Save()
}
