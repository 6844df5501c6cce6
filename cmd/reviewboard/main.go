package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "reviewboard",
	Short: "Collaborative review server for model test reports",
	Long: `reviewboard serves generated test reports and check documents to
browser review tabs and keeps every tab's annotations in sync.

Reviewers co-author two annotation fields per file (a model diagnosis
and a repair suggestion); saves are broadcast to all connected tabs
over a push event stream, with polling as the fallback when the stream
is down.`,
	SilenceUsage: true,
}

func initConfig() {
	viper.SetConfigName("reviewboard")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/reviewboard")
	viper.SetEnvPrefix("REVIEWBOARD")
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config file: %v\n", err)
		}
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
