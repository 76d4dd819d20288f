package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	templateSubject     string
	templateBody        string
	templateBodyFile    string
	templateAttachments []string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Campaign template commands",
}

var templateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the live template",
	RunE:  runTemplateShow,
}

var templateSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Edit the live template",
	Long: `Edit the live template. Flags that are not given keep their current value.
Recipients that already received their first message keep the template they
started with.`,
	RunE: runTemplateSet,
}

var templateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard edits and use the template from the config file",
	RunE:  runTemplateReset,
}

var templatePreviewCmd = &cobra.Command{
	Use:   "preview <email>",
	Short: "Render the next message for a recipient without sending it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatePreview,
}

func init() {
	templateSetCmd.Flags().StringVar(&templateSubject, "subject", "", "Subject template")
	templateSetCmd.Flags().StringVar(&templateBody, "body", "", "Body template")
	templateSetCmd.Flags().StringVar(&templateBodyFile, "body-file", "", "Read the body template from a file")
	templateSetCmd.Flags().StringSliceVar(&templateAttachments, "attachment", nil, "Attachment path (repeatable, empty to clear)")

	templateCmd.AddCommand(templateShowCmd, templateSetCmd, templateResetCmd, templatePreviewCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.Templates().Live(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Version:     %d\n", t.Version)
	if !t.UpdatedAt.IsZero() {
		fmt.Printf("Updated:     %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("Subject:     %s\n", t.Subject)
	if len(t.Attachments) > 0 {
		fmt.Printf("Attachments: %s\n", strings.Join(t.Attachments, ", "))
	}
	fmt.Printf("\n%s\n", t.Body)
	return nil
}

func runTemplateSet(cmd *cobra.Command, args []string) error {
	if templateBody != "" && templateBodyFile != "" {
		return fmt.Errorf("--body and --body-file are mutually exclusive")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	current, err := a.Templates().Live(ctx)
	if err != nil {
		return err
	}

	subject, body, attachments := current.Subject, current.Body, current.Attachments
	if cmd.Flags().Changed("subject") {
		subject = templateSubject
	}
	if cmd.Flags().Changed("body") {
		body = templateBody
	}
	if templateBodyFile != "" {
		data, err := os.ReadFile(templateBodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}
	if cmd.Flags().Changed("attachment") {
		attachments = nil
		for _, path := range templateAttachments {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("attachment %s: %w", path, err)
			}
			attachments = append(attachments, path)
		}
	}

	t, err := a.Templates().Update(ctx, subject, body, attachments)
	if err != nil {
		return err
	}

	fmt.Printf("Template updated (version %d)\n", t.Version)
	return nil
}

func runTemplateReset(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Templates().Reset(context.Background()); err != nil {
		return err
	}
	fmt.Println("Template reset to the configured default")
	return nil
}

func runTemplatePreview(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.Engine().Preview(context.Background(), args[0])
	if err != nil {
		return err
	}

	source := "live template"
	if p.Frozen {
		source = "template frozen at first send"
	}
	fmt.Printf("To:          %s\n", p.Email)
	fmt.Printf("Send:        #%d (%s)\n", p.SendOrdinal, source)
	fmt.Printf("Subject:     %s\n", p.Subject)
	if len(p.Attachments) > 0 {
		fmt.Printf("Attachments: %s\n", strings.Join(p.Attachments, ", "))
	}
	fmt.Printf("\n%s\n", p.Body)
	return nil
}
