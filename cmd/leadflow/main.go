// Package main provides the leadflow CLI: one-shot runs, the HTTP server and
// run inspection.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "leadflow",
	Short:         "Business outreach pipeline",
	Long:          "Leadflow discovers local businesses, scores their websites, generates replacement sites for weak ones and sends outreach campaigns.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("dev", false, "Human-readable development logging")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL; empty keeps run state in memory")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("dev", rootCmd.PersistentFlags().Lookup("dev"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
}

// initConfig wires LEADFLOW_* environment variables into viper. A handful of
// conventional unprefixed names are honored as well.
func initConfig() {
	viper.SetEnvPrefix("LEADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	bindEnvAliases(viper.GetViper())
}

func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("database-url", "LEADFLOW_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("gemini-api-key", "LEADFLOW_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("webhook-secret", "LEADFLOW_WEBHOOK_SECRET", "WEBHOOK_SECRET")
	_ = v.BindEnv("messaging-api-key", "LEADFLOW_MESSAGING_API_KEY", "MESSAGING_API_KEY")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
