package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/fibreflow/internal/api"
	"github.com/zulandar/fibreflow/internal/importer"
	"github.com/zulandar/fibreflow/internal/metrics"
	"github.com/zulandar/fibreflow/internal/tracker"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noReaper   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the upload and status API",
		Long: `Starts the HTTP API used by project dashboards to upload SOW files and
poll import progress. Uploads are queued and imported in the background,
one at a time per project and step. A cron-scheduled reaper fails jobs
that stopped making progress. Prometheus metrics are served at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noReaper)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to FibreFlow config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config, 8080)")
	cmd.Flags().BoolVar(&noReaper, "no-reaper", false, "do not run the stale job reaper")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noReaper bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	if err := os.MkdirAll(cfg.Import.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	log := logrus.StandardLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	im, tr := newImporter(cfg, gormDB, m, log)
	dispatcher := importer.NewDispatcher(ctx, im)

	if !noReaper {
		reaper, err := tracker.NewReaper(tr, cfg.Reaper.Schedule, cfg.Reaper.StaleAfterDuration(), log)
		if err != nil {
			return err
		}
		reaper.OnExpire = m.Expired
		go reaper.Run(ctx)
	}

	err = api.Start(ctx, api.StartOpts{
		Dispatcher: dispatcher,
		Tracker:    tr,
		Gatherer:   reg,
		UploadDir:  cfg.Import.UploadDir,
		Port:       port,
		Out:        cmd.OutOrStdout(),
		Log:        log,
	})

	// In-flight imports see the cancelled context and fail as interrupted.
	cancel()
	dispatcher.Wait()
	return err
}
