// Package main is the entry point for weaver, an event bus bridging
// heterogeneous field-level protocols onto a common item/event model.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/peti69/weaver/internal/buildinfo"
	"github.com/peti69/weaver/internal/config"
	"github.com/peti69/weaver/internal/engine"
)

func main() {
	logLevelFlag := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <config-path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	level, err := config.ParseLogLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	explicit := flag.Arg(0)
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	bus, err := config.Load(cfgPath, logger)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if bus.Log.LogFileName != "" {
		logger = rotatingLogger(bus.Log, level)
	}

	logger.Info("weaver starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"items", len(bus.Items.All()),
		"links", len(bus.Links),
	)

	eng := engine.New(bus.Items, bus.Links, engine.Config{
		LogPSelectCalls:     bus.Log.LogPSelectCalls,
		LogEvents:           bus.Log.LogEvents,
		LogSuppressedEvents: bus.Log.LogSuppressedEvents,
		LogGeneratedEvents:  bus.Log.LogGeneratedEvents,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("weaver stopped")
}

// rotatingLogger replaces stdout logging with a lumberjack-backed
// rotating file, per §6's logFileName/maxLogFileSize/maxLogFileCount
// knobs. Size is in lumberjack's native megabyte unit.
func rotatingLogger(cfg config.LogConfig, level slog.Level) *slog.Logger {
	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.LogFileName,
		MaxSize:    cfg.MaxLogFileSize,
		MaxBackups: cfg.MaxLogFileCount,
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
