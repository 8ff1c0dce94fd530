// Package cli provides the command-line entry points for the data service:
// "run" starts the HTTP API, "wait" polls a running instance's GET /version
// endpoint, and "push" drives one replication run against a remote target.
// Configuration is layered the usual cobra/viper way: flags override
// environment variables, which override a config file, which override
// built-in defaults.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfgFile holds the path to the configuration file specified via
// --config. When empty, initConfig searches $HOME and the working
// directory for a ".corehub" config file instead.
var cfgFile string

// RootCmd is the top-level command; run/wait/push attach to it in
// run.go, wait.go and push.go.
var RootCmd = &cobra.Command{
	Use:   "corehub",
	Short: "a metadata-driven data service: manifest-backed HTTP API with push replication",
	Long: `corehub serves a dataset described by a manifest over a uniform HTTP API,
backed by an internal relational store, and can replicate that data (or an
external source's) to a remote target via the push command.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.corehub.yaml)")
	RootCmd.PersistentFlags().String("manifest", "manifest.json", "path to the resolved JSON manifest")
	RootCmd.PersistentFlags().String("database-url", "", "internal backend (postgres) connection string")

	viper.BindPFlag("manifest", RootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
}

// initConfig wires viper's config-file search path and environment
// variable mapping, the same precedence every subcommand's flags rely on.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".corehub")
	}

	viper.SetEnvKeyReplacer(envKeyReplacer())
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
