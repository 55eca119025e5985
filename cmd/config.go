package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"testrig/internal/config"
)

// newConfigCmd groups the commands that inspect and create config.yaml.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show, create or validate the configuration",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration (config.yaml on top of the defaults)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadConfig(configDir())
				if err != nil {
					return configError(cmd, err)
				}
				data, err := yaml.Marshal(&cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check config.yaml for errors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dir := configDir()
				if _, err := config.LoadConfig(dir); err != nil {
					return configError(cmd, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", filepath.Join(dir, "config.yaml"))
				return nil
			},
		},
		newConfigInitCmd(),
	)
	return configCmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config.yaml with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir()
			path := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(dir, config.GetDefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config.yaml")
	return initCmd
}

func configDir() string {
	if rootConfigPath != "" {
		return rootConfigPath
	}
	return config.GetDefaultConfigPathOrPanic()
}

// configError prints the detailed report of a configuration error to stderr.
func configError(cmd *cobra.Command, err error) error {
	var cfgErr config.ConfigurationError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(cmd.ErrOrStderr(), cfgErr.DetailedError())
	}
	return err
}

func init() {
	rootCmd.AddCommand(newConfigCmd())
}
