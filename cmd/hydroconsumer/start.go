package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hydroconsumer/internal/catalog"
	"hydroconsumer/internal/changelog"
	"hydroconsumer/internal/consumer"
	"hydroconsumer/internal/metrics"
	"hydroconsumer/internal/reconcile"
	"hydroconsumer/internal/source"
)

var startFlags struct {
	dryRun           bool
	events           string
	examinationTypes string
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Consume measurement change events",
	Long: `Starts the consumer. Each partition is processed by its own sequential
worker; offsets are committed after an event has been reconciled.`,
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()
	f.BoolVar(&startFlags.dryRun, "dry-run", false, "decode and filter only, persist nothing")
	f.StringVar(&startFlags.events, "events", "", "event allow-list as letters from \"aud\"")
	f.StringVar(&startFlags.examinationTypes, "examination-types", "", "comma separated examination type allow-list")
	RootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync()

	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Consumer.DryRun = startFlags.dryRun
	}
	if flags.Changed("events") {
		cfg.Consumer.Events = startFlags.events
	}
	if flags.Changed("examination-types") {
		cfg.Consumer.ExaminationTypes = startFlags.examinationTypes
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mreg.Mux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	var rec consumer.Reconciler
	if !cfg.Consumer.DryRun {
		h, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := h.Close(); err != nil {
				log.Warn("close store", zap.Error(err))
			}
		}()
		var opts []reconcile.Option
		switch {
		case enforceCatalog(cfg):
			opts = append(opts, reconcile.WithCatalog(catalog.NewCached(h.Catalog)))
		case cfg.Store.EnforceCatalog:
			log.Warn("memory catalog has no types without store.catalog_file, enforcement disabled")
		}
		rec = reconcile.New(h.Store, log, opts...)
	}

	feed, closeFeed, err := changelog.New(cfg.Changelog)
	if err != nil {
		return err
	}
	defer closeFeed()

	src, err := source.New(cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer src.Close()

	copts := []consumer.Option{consumer.WithMetrics(mreg)}
	if feed != nil {
		copts = append(copts, consumer.WithChangelog(feed))
	}
	c, err := consumer.New(src, rec, cfg.Consumer, log, copts...)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
