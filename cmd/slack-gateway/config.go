package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/a1hang/slack-issue-agent/internal/config"
)

const redacted = "REDACTED"

var configSummary bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configSummary, "summary", false, "print only the core gateway settings")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var doc any = redactConfig(*cfg)
	if configSummary {
		doc = cfg.Recognized()
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// redactConfig returns a copy of cfg with secret values and URL passwords
// removed.
func redactConfig(cfg config.Config) config.Config {
	if len(cfg.Secrets.Static) > 0 {
		static := make(map[string]string, len(cfg.Secrets.Static))
		for name := range cfg.Secrets.Static {
			static[name] = redacted
		}
		cfg.Secrets.Static = static
	}
	cfg.Redis.URL = redactURL(cfg.Redis.URL)
	cfg.DLQ.NatsURL = redactURL(cfg.DLQ.NatsURL)
	cfg.Runtime.BackendRef = redactURL(cfg.Runtime.BackendRef)
	return cfg
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		return u.Redacted()
	}
	// Token-only userinfo, as in nats://token@host.
	u.User = url.User(redacted)
	return u.String()
}
