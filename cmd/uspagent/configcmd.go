package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/uspagent/internal/config"
	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write and check agent configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigValidateCmd(opts), newConfigDataModelCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		kind  string
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template for one transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(out, kind, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, out)
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "websocket", "transport: "+strings.Join(config.Kinds(), "|"))
	cmd.Flags().StringVarP(&out, "out", "o", defaultConfigPath, "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.DataModel.Document != "" {
				doc, err := datamodel.LoadDocument(cfg.DataModel.Document)
				if err != nil {
					return err
				}
				if _, err := doc.Schema(); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "validated %s (%s via %s)\n",
				opts.configPath, cfg.EndpointID, strings.Join(cfg.Transports.Protocols(), ","))
			return err
		},
	}
}

func newConfigDataModelCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "datamodel",
		Short: "Write the built-in data model document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("document already exists: %s", out)
				}
			}
			if err := os.WriteFile(out, datamodel.DefaultDocumentBytes(), 0o644); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote data model document to %s\n", out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "datamodel.toml", "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
