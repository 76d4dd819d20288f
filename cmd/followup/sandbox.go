package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/sandbox"
)

var (
	sandboxListTo     string
	sandboxListLimit  int
	sandboxClearHours int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured in sandbox mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Print a captured message as sent",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().IntVar(&sandboxClearHours, "older-than", 0, "Only delete messages older than N hours")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	messages, err := a.Sandbox().List(context.Background(), sandbox.ListFilter{
		To:    sandboxListTo,
		Limit: sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPTURED\tTO\tSUBJECT\tRESULT")
	for _, msg := range messages {
		result := "captured"
		if msg.SimulatedErr != "" {
			result = msg.SimulatedErr
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			msg.ID, msg.CapturedAt.Local().Format("2006-01-02 15:04:05"), msg.To, msg.Subject, result)
	}
	w.Flush()
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	msg, err := a.Sandbox().Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	os.Stdout.Write(msg.Data)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	deleted, err := a.Sandbox().Clear(context.Background(), time.Duration(sandboxClearHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}
	fmt.Printf("Deleted %d message(s)\n", deleted)
	return nil
}
