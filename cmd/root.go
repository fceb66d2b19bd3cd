// Package cmd holds the sqlstress command line.
package cmd

import (
	"os"

	"github.com/daveTechLed/sqlstress/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sqlstress",
	Short: "Stress test SQL Server queries and watch their Extended Events live",
	Long: `sqlstress runs a query many times in parallel against a SQL Server
connection, captures the resulting Extended Events and attributes every
event to the execution that caused it. Progress is pushed to observers
over a server-sent event stream.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath(),
		"path to the YAML config file")
	rootCmd.AddCommand(serveCmd, runCmd, watchCmd)
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(cmd *cobra.Command) (*config.SQLStressConfig, error) {
	sc, err := config.Load(configPath)
	if err != nil {
		if cmd.Flags().Changed("config") {
			return nil, err
		}
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, err
		}
		log.Warnf("no config at %s, using defaults", configPath)
		sc = config.Default()
	}
	if err := config.SetupLogging(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
