package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nyatishield/nyati/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Nyati configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default nyati.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", "nyati.yaml", "Path of the file to write")

	return cmd
}

func runConfigInit(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Set upstream credentials and auth.jwt_secret, then run 'nyati serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(showSecrets)
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print credentials instead of masking them")

	return cmd
}

func runConfigShow(showSecrets bool) error {
	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("# Config file: %s\n", configFile)
	} else {
		fmt.Println("# Config file: (none found, using defaults and environment)")
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}
	if !showSecrets {
		s.Auth.JWTSecret = mask(s.Auth.JWTSecret)
		s.Upstream.OpenAIKeys = mask(s.Upstream.OpenAIKeys)
		s.Upstream.AnthropicKeys = mask(s.Upstream.AnthropicKeys)
		s.Upstream.GroqKeys = mask(s.Upstream.GroqKeys)
		s.Upstream.OpenRouterKeys = mask(s.Upstream.OpenRouterKeys)
	}

	data, err := s.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	os.Stdout.Write(data)
	return nil
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}
