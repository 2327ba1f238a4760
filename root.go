package main

import (
	"fmt"
	"runtime"

	"ffcache/cache"
	"ffcache/config"
	"ffcache/ffmpeg"
	"ffcache/logger"
	"ffcache/media"
	"ffcache/orchestrator"
	"ffcache/task"

	"github.com/spf13/cobra"
)

type commandContext struct {
	devLog bool
	cfg    *config.Config
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}
	root := &cobra.Command{
		Use:           "ffcache",
		Short:         "Transcode cache and job orchestrator for ffmpeg",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			ctx.cfg = cfg
			logger.Init(cfg.LogDev || ctx.devLog)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().BoolVar(&ctx.devLog, "dev", false, "Human readable debug logging")

	root.AddCommand(newServeCommand(ctx))
	root.AddCommand(newSweepCommand(ctx))
	root.AddCommand(newCacheCommand(ctx))
	root.AddCommand(newProbeCommand(ctx))
	return root
}

func openStore(cfg *config.Config) (*cache.Store, error) {
	return cache.New(cache.Options{
		Root:     cfg.CachePath,
		MaxBytes: cfg.CacheMaxSize,
		MaxAge:   cfg.MaxAge(),
	})
}

// service wires the orchestrator and its transcoder supervisor.
type service struct {
	store *cache.Store
	sup   *ffmpeg.Supervisor
	orch  *orchestrator.Orchestrator
}

func newService(cfg *config.Config) (*service, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	registry := task.NewRegistry()
	runAs := ffmpeg.NewRunAs(cfg.RunAsUID, cfg.RunAsGID)

	sup, err := ffmpeg.NewSupervisor(cfg, registry, store, runAs)
	if err != nil {
		return nil, fmt.Errorf("initialize transcoder: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:     store,
		Registry:  registry,
		Launcher:  sup,
		Checker:   media.NewSourceChecker(cfg.FFTimeout),
		Prober:    &ffmpeg.Prober{Bin: cfg.FFProbeBin, Timeout: cfg.FFTimeout},
		Extractor: &ffmpeg.SubtitleExtractor{Bin: cfg.FFBin, Timeout: cfg.FFTimeout, RunAs: runAs},
		Args: &ffmpeg.ArgBuilder{
			Threads:        cfg.Threads(runtime.NumCPU()),
			SegmentSeconds: cfg.HLSSegmentSeconds,
		},
	})
	if err != nil {
		return nil, err
	}
	sup.OnFinish(orch.JobFinished)
	return &service{store: store, sup: sup, orch: orch}, nil
}
