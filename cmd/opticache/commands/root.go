// Package commands implements the opticache CLI.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"opticache/internal/logger"
	"opticache/internal/opticache"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "opticache",
	Short: "Offline caching gateway for static sites",
	Long: `opticache sits in front of a static documentation site and keeps it
readable when the origin goes away. Pages are served network-first, assets
cache-first and everything else stale-while-revalidate, with an offline page
as the last resort.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getenvDefault("OPTICACHE_CONFIG", "opticache.yaml"), "path to the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func loadConfig() (opticache.Config, error) {
	return opticache.LoadConfig(cfgFile)
}

func newLogger(cfg opticache.Config) (logger.Logger, error) {
	return logger.New(logger.Config{Level: cfg.Logging.Level})
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
