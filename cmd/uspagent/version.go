package main

import (
	"fmt"

	"github.com/danmuck/uspagent/internal/admin"
	"github.com/danmuck/uspagent/internal/protocol/record"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print agent and protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "uspagent %s (usp %s)\n", admin.Version, record.CurrentVersion)
			return err
		},
	}
}
