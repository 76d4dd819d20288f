package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Connect and authenticate to the SMTP server without sending",
	RunE:  runTestConnection,
}

func init() {
	rootCmd.AddCommand(testConnectionCmd)
}

func runTestConnection(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	client := a.SMTPClient()
	if client == nil {
		fmt.Printf("%s mode: no SMTP connection is made\n", a.Config().SMTP.Mode)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	if err := client.TestConnection(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Printf("Connection OK (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}
