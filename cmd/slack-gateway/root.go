package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "slack-gateway",
	Short: "Slack Events API gateway",
	Long: `slack-gateway receives Slack Events API webhooks, verifies their
signatures, filters and de-duplicates events, and forwards actionable
mentions to the agent runtime.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/slack-gateway/config.yaml)")
}
