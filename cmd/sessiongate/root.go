package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sessiongate/internal/config"
	"sessiongate/internal/log"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sessiongate",
	Short: "Session lifecycle and login conflict service",
	Long: `sessiongate authenticates identities and shared accounts, enforces lockouts
and concurrent-login policy, and tracks every issued session.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./config.yaml)")
}

func loadConfig() (*config.AppConfig, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log.New(cfg.Environment), nil
}
