package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shimaore/esl/internal/config"
)

func configgenCmd() *cobra.Command {
	var output string
	var force, stdout bool
	cmd := &cobra.Command{
		Use:   "configgen",
		Short: "Write a configuration template with the built-in defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stdout {
				data, err := config.Template(config.Default())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "eslctl.toml", "output path")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the template instead of writing a file")
	return cmd
}

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Load and validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(opts.configPath)
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("validate: no config path given")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: client=%s server=%s admin=%t\n",
				cfg.Client.Address, cfg.Server.ListenAddr, cfg.Admin.Enabled)
			return nil
		},
	}
}
