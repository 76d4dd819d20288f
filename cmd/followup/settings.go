package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/campaign"
)

var (
	settingsInterval   int
	settingsMaxResends int
	settingsSendTime   string
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the campaign schedule",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the campaign schedule",
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the campaign schedule",
	Long: `Change the campaign schedule. The change is kept in the state database and
takes precedence over the config file. max-resends applies to recipients
added afterwards.`,
	RunE: runSettingsSet,
}

func init() {
	settingsSetCmd.Flags().IntVar(&settingsInterval, "interval-days", 0, "Days between sends to a recipient")
	settingsSetCmd.Flags().IntVar(&settingsMaxResends, "max-resends", 0, "Total sends per recipient")
	settingsSetCmd.Flags().StringVar(&settingsSendTime, "send-time", "", "Daily send time (HH:MM)")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	printSettings(a.Settings().Settings())
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s := a.Settings().Settings()
	if cmd.Flags().Changed("interval-days") {
		s.IntervalDays = settingsInterval
	}
	if cmd.Flags().Changed("max-resends") {
		s.MaxResends = settingsMaxResends
	}
	if cmd.Flags().Changed("send-time") {
		at, err := campaign.ParseTimeOfDay(settingsSendTime)
		if err != nil {
			return err
		}
		s.SendTime = at
	}

	if err := a.Settings().Set(s); err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	fmt.Println("Settings updated")
	printSettings(s)
	return nil
}

func printSettings(s campaign.Settings) {
	fmt.Printf("Interval:    %d day(s)\n", s.IntervalDays)
	fmt.Printf("Max sends:   %d\n", s.MaxResends)
	fmt.Printf("Send time:   %s\n", s.SendTime)
}
