package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stagewire/stagewire/pkg/admin"
	"github.com/stagewire/stagewire/pkg/config"
	"github.com/stagewire/stagewire/pkg/profiling"
	"github.com/stagewire/stagewire/pkg/registry"
	"github.com/stagewire/stagewire/pkg/routing"
	"github.com/stagewire/stagewire/pkg/signaling"
	"github.com/stagewire/stagewire/pkg/telemetry"
	"github.com/stagewire/stagewire/pkg/worker"
)

const (
	exitClean       = 0
	exitInitFailure = 1
	exitWorkerDied  = 2
)

func main() {
	// os.Exit must stay out of the function holding the profiling
	// defers, otherwise the profiles are never flushed.
	os.Exit(app())
}

func app() int {
	var (
		configPath = flag.String("config", "", "path to the optional YAML configuration file")
		cpuProfile = flag.String("cpuProfile", "", "write a CPU profile to this file")
		memProfile = flag.String("memProfile", "", "write a heap profile to this file on shutdown")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return exitInitFailure
	}
	logrus.SetLevel(cfg.LogrusLevel())

	if *cpuProfile != "" {
		defer profiling.StartCPU(*cpuProfile)()
	}
	if *memProfile != "" {
		defer profiling.CaptureMemory(*memProfile)()
	}

	return run(cfg)
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logrus.WithError(err).Error("failed to set up tracing")
		return exitInitFailure
	}
	if provider != nil {
		defer provider.Shutdown(context.Background()) //nolint:errcheck
	}

	mediaWorker, err := worker.New(worker.Config{
		ListenIP:         cfg.Media.ListenIP,
		AnnouncedIP:      cfg.Media.AnnouncedIP,
		PortMin:          cfg.Media.PortMin,
		PortMax:          cfg.Media.PortMax,
		SpeakerThreshold: cfg.Media.SpeakerThreshold,
		SpeakerInterval:  cfg.Media.SpeakerInterval,
		ICETimeout:       cfg.Media.ICETimeout,
	})
	if err != nil {
		logrus.WithError(err).Error("failed to initialize the media worker")
		return exitInitFailure
	}
	defer mediaWorker.Close()

	state := registry.NewState()
	core := routing.NewCore(state, mediaWorker, routing.Config{
		SpeakingHoldOff: cfg.Media.SpeakingHoldOff,
	})
	core.Start(mediaWorker.Events(), mediaWorker.Volumes())
	defer core.Stop()

	hub := signaling.NewHub(cfg, state, mediaWorker, core)

	router := chi.NewRouter()
	router.Get("/ws", hub.ServeHTTP)
	if cfg.AdminSecret != "" {
		router.Mount("/api", admin.NewAPI(hub, cfg.AdminSecret).Router())
	} else {
		logrus.Warn("ADMIN_SECRET is not set, the admin API is disabled")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.SignalingPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	exitCode := exitClean
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logrus.WithField("port", cfg.SignalingPort).Info("stagewire is up and running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case err := <-mediaWorker.Died():
			logrus.WithError(err).Error("media worker died, shutting down")
			exitCode = exitWorkerDied
		}

		// Drain sessions before the listener goes away so clients get
		// their farewell instead of a dropped socket.
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logrus.WithError(err).Error("server failed")
		if exitCode == exitClean {
			exitCode = exitInitFailure
		}
	}

	logrus.Info("shut down, bye")
	return exitCode
}
