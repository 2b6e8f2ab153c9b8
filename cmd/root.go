// Package cmd provides the docserve command-line interface.
//
// Configuration is read from, in order of precedence:
//  1. Command-line flags (--port, --debounce, ...)
//  2. DOCSERVE_<SECTION>_<OPTION> environment variables
//  3. The file named by --config or DOCSERVE_CONFIG_FILE
//  4. .docserve.yml in the current directory
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docserve",
	Short: "Live preview server for rendered documents",
	Long: `docserve renders a document project, serves the output and reloads
connected browsers whenever inputs, configuration, resources or rendered
output change.

Quick Start:
  docserve serve                 Preview the project in the current directory
  docserve serve ./book          Preview another project
  docserve version               Show version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .docserve.yml, can also use DOCSERVE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("DOCSERVE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".docserve")
	}

	viper.SetEnvPrefix("DOCSERVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing default file is fine; defaults and flags still apply.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
