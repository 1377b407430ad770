package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opticache/internal/logger"
	"opticache/internal/opticache"
)

var manifestOut string

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Build the pre-warm manifest from the configured pages, sitemaps and links",
	Long: `manifest crawls the origin once, the way a site build would, and writes
the list of paths to cache on install. Point precache.manifest at the output
to use it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		m, err := opticache.BuildManifest(ctx, cfg, opticache.NewHTTPFetcher(0), log)
		if err != nil {
			return err
		}
		out := manifestOut
		if out == "" {
			out = cfg.Precache.Manifest
		}
		if out == "" {
			out = "opticache-manifest.yaml"
		}
		if err := m.Save(out); err != nil {
			return err
		}
		log.Info("Manifest written", logger.String("path", out), logger.Int("paths", len(m.Paths)))
		cmd.Printf("%d paths written to %s\n", len(m.Paths), out)
		return nil
	},
}

func init() {
	manifestCmd.Flags().StringVarP(&manifestOut, "out", "o", "", "output file (default: precache.manifest, else opticache-manifest.yaml)")
}
