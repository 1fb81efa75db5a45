package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

func NewConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Manage CyberScore configuration",
		Long:  `Initialize a configuration file, show the effective configuration and validate it.`,
	}
	cmd.AddCommand(newConfigureInitCommand())
	cmd.AddCommand(newConfigureShowCommand())
	cmd.AddCommand(newConfigureValidateCommand())
	return cmd
}

func newConfigureInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Long:  `Write the default configuration as YAML to path (default $HOME/.cyberscore/config.yaml).`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := defaultConfigPath()
			if err != nil {
				return err
			}
			if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
				path = strings.TrimSpace(args[0])
			}

			if _, err := os.Stat(path); err == nil && !force {
				logrus.Warnf("Configuration file already exists: %s", path)
				ok, err := confirmOverwrite(cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
				if !ok {
					logrus.Info("Configuration initialization cancelled")
					return nil
				}
			}

			if err := models.DefaultConfig().Save(path); err != nil {
				return fmt.Errorf("failed to write configuration file: %w", err)
			}
			logrus.Infof("Configuration initialized: %s", path)
			logrus.Info("Set API keys in the file or through CYBERSCORE_SOURCES_<NAME>_API_KEY environment variables.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file without asking")
	return cmd
}

func newConfigureShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "# built-in defaults")
			}
			data, err := yaml.Marshal(maskSecrets(*cfg))
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigureValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			for _, name := range []string{"shodan", "nvd", "hibp", "abuseipdb", "virustotal", "github"} {
				state := "configured"
				if cfg.Sources.APIKey(name) == "" {
					state = "missing (dependent sub-checks will report errors)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-11s %s\n", name+":", state)
			}
			return nil
		},
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".cyberscore", "config.yaml"), nil
}

func maskSecrets(cfg models.Config) models.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&cfg.Sources.ShodanAPIKey)
	mask(&cfg.Sources.NVDAPIKey)
	mask(&cfg.Sources.HIBPAPIKey)
	mask(&cfg.Sources.AbuseIPDBAPIKey)
	mask(&cfg.Sources.VirusTotalAPIKey)
	mask(&cfg.Sources.GitHubToken)
	mask(&cfg.Planner.APIKey)
	mask(&cfg.Storage.DSN)
	mask(&cfg.Server.JWTSecret)
	return cfg
}

func confirmOverwrite(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "Overwrite existing configuration? [y/N]: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
