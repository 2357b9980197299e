package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcphub/internal/logging"
	"mcphub/internal/version"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "mcphub",
		Short: "MCP Hub - one endpoint for many MCP servers",
		Long: `mcphub aggregates MCP servers and declarative REST tools behind a single
MCP endpoint. Downstream servers are managed as supervised connections,
tools are grouped into scoped views, and everything is reachable over
streamable HTTP, SSE or stdio.`,
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <config-root>/config.yaml)")
	rootCmd.PersistentFlags().String("config-path", "", "directory holding mcp_server.json, group.json and api-tools.json")
	rootCmd.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().String("log-file", "", "duplicate logs into this rotated file")
	rootCmd.PersistentFlags().Bool("lazy", false, "connect to servers on first use instead of at startup")
	rootCmd.PersistentFlags().Bool("no-cache", false, "disable the group catalogue cache")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "listen address")
	serveCmd.Flags().Int("port", 3000, "listen port")

	importCmd.AddCommand(importOpenAPICmd)
	importOpenAPICmd.Flags().String("out", "api-tools.json", "output file")
	importOpenAPICmd.Flags().String("base-url", "", "override the server URL declared in the document")

	viper.BindPFlag("config_path", rootCmd.PersistentFlags().Lookup("config-path"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("lazy_loading", rootCmd.PersistentFlags().Lookup("lazy"))
	viper.BindPFlag("no_cache", rootCmd.PersistentFlags().Lookup("no-cache"))
	viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configRoot())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("MCPHUB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "using config file: %s\n", viper.ConfigFileUsed())
	}
}

func initLogging() {
	logging.Initialize(
		logging.ParseLevel(viper.GetString("log_level")),
		viper.GetString("log_file"),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errInvalidConfig) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(2)
	}
}
