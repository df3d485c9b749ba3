package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate mirador-session configuration",
	}
	cmd.AddCommand(newConfigPrintCommand())
	cmd.AddCommand(newConfigTemplateCommand())
	cmd.AddCommand(newConfigProfilesCommand())
	return cmd
}

func newConfigPrintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().String("profile", "", "apply a named profile before printing ("+strings.Join(config.ProfileNames(), ", ")+")")
	return cmd
}

func newConfigTemplateCommand() *cobra.Command {
	var env string
	var outPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a commented configuration file for an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.GenerateConfigTemplate(env))
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := config.SaveConfigTemplate(env, outPath); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", env, outPath)
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "development", "target environment (development, staging, production, test)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the template to this path instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}

func newConfigProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in tuning profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range config.ProfileNames() {
				profile, err := config.GetProfile(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-16s %s [%s]\n", profile.Name, profile.Description, strings.Join(profile.Tags, ", "))
			}
			return nil
		},
	}
}
