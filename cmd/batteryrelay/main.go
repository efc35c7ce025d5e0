package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/raterudder/batteryrelay/pkg/acquisition"
	"github.com/raterudder/batteryrelay/pkg/common"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/raterudder/batteryrelay/pkg/controller"
	"github.com/raterudder/batteryrelay/pkg/log"
	"github.com/raterudder/batteryrelay/pkg/metrics"
	"github.com/raterudder/batteryrelay/pkg/obd"
	"github.com/raterudder/batteryrelay/pkg/publisher"
	"github.com/raterudder/batteryrelay/pkg/server"
	"github.com/raterudder/batteryrelay/pkg/uplink"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// init packages
	link := obd.Configured()
	acq := acquisition.Configured(link)
	network, times, broker := uplink.Configured()
	conn := connectivity.Configured(network, times, broker)
	pub := publisher.Configured()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ctl := controller.Configured(acq, conn, pub, controller.WithObserver(metrics.NewProm(reg)))

	// init server
	srv := server.Configured(ctl, reg)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Init(os.Stdout))
	slog.Debug("logger configured", slog.String("level", level.String()), slog.String("version", common.Version()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// stop the server too if the controller ever returns
		defer cancel()
		cctx := log.Component(ctx, "controller")
		if err := ctl.Run(cctx); err != nil {
			log.Ctx(cctx).ErrorContext(cctx, "controller failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	err := srv.Run(log.Component(ctx, "server"))
	cancel()
	wg.Wait()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
