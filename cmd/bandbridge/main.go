// Package main is the bandbridge command: it serves band sensor readings
// over TCP and queries a running bridge.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cyberinferno/bandbridge/config"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "bandbridge"

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           serviceName,
		Short:         "Exposes live and calibrated band sensor readings over TCP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path of a TOML settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error, off)")

	rootCmd.AddCommand(newServeCmd(), newQueryCmd())
}

// loadSettings returns the defaults, or the settings file when --config is set.
func loadSettings() (config.Settings, error) {
	settings := config.Default()
	if configPath != "" {
		var err error
		if settings, err = config.Load(configPath); err != nil {
			return config.Settings{}, err
		}
	}

	if strings.TrimSpace(logLevel) != "" {
		settings.LogLevel = logLevel
		if err := settings.Validate(); err != nil {
			return config.Settings{}, err
		}
	}

	return settings, nil
}

func newLogger(settings config.Settings) (logger.Logger, error) {
	level, err := logger.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}

	if settings.LogDir != "" {
		return logger.NewZerologFileLogger(serviceName, settings.LogDir, level)
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr}
	return logger.NewZerologLogger(zerolog.New(out), serviceName, level), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
