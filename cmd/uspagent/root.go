package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	envConfigPath     = "USPAGENT_CONFIG"
	defaultConfigPath = "uspagent.toml"
)

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "uspagent",
		Short:         "TR-369 USP agent",
		Long:          "uspagent serves a TR-369 data model to USP controllers over WebSocket, MQTT, STOMP or CoAP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig(), "agent config file")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func defaultConfig() string {
	if v := os.Getenv(envConfigPath); v != "" {
		return v
	}
	return defaultConfigPath
}
