package cmd

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"brokerstore/config"
)

var configPath string

// Execute builds the command tree and executes commands.
func Execute() error {
	c := &cobra.Command{
		Use:           "brokerstore",
		Short:         "Journal and paging storage for a message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	c.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the yaml configuration file")

	c.AddCommand(serveCmd)
	c.AddCommand(printDataCmd)

	err := c.Execute()
	if err != nil {
		level.Error(newLogger()).Log("err", err)
	}
	return err
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}
