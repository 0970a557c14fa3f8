package cli

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"qm/internal/config"
)

const redacted = "<redacted>"

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and environment overrides are
applied. Secrets are redacted. A default config file is written on first run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return printConfig(cfg, cmd.OutOrStdout())
		},
	}
}

func printConfig(cfg *config.Config, out io.Writer) error {
	c := *cfg
	if c.Google.WebhookToken != "" {
		c.Google.WebhookToken = redacted
	}
	if c.BasicAuth != nil {
		ba := *c.BasicAuth
		ba.Password = redacted
		c.BasicAuth = &ba
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return err
	}
	return enc.Close()
}
