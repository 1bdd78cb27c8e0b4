package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/bandbridge/bridge"
	"github.com/cyberinferno/bandbridge/config"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/refcache"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	port                  string
	liveBufferSize        string
	calibrationBufferSize string
	device                string
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the bridge with a synthetic band device bound.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.port, "port", "", "listen port")
	cmd.Flags().StringVar(&opts.liveBufferSize, "live-buffer-size", "", "samples averaged for live data")
	cmd.Flags().StringVar(&opts.calibrationBufferSize, "calibration-buffer-size", "", "samples averaged for calibration")
	cmd.Flags().StringVar(&opts.device, "device", "", "name of the synthetic band device")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if opts.device != "" {
		settings.DeviceName = opts.device
	}

	log, err := newLogger(settings)
	if err != nil {
		return err
	}
	defer log.Close()

	refs, closeRefs, err := newReferenceCache(ctx, settings, log)
	if err != nil {
		return err
	}
	defer closeRefs()

	src := sensor.NewSynthetic(sensor.RandomWalk(settings.SyntheticSeed))
	defer src.Close()

	b, err := bridge.New(settings, bridge.WithLogger(log), bridge.WithReferenceCache(refs))
	if err != nil {
		return err
	}
	defer b.Close()

	if textFlagsChanged(cmd) {
		port, live, calib := textSettings(settings, opts)
		if err := b.UpdateSettings(port, live, calib); err != nil {
			return err
		}
	}

	if err := b.Start(); err != nil {
		return err
	}

	if _, err := b.BindDevice(settings.DeviceName, src); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("bridge ready",
		logger.Field{Key: "addr", Value: b.Addr().String()},
		logger.Field{Key: "session", Value: settings.DeviceName},
	)
	<-ctx.Done()
	log.Info("shutting down")

	return nil
}

func textFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"port", "live-buffer-size", "calibration-buffer-size"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// textSettings fills flags left unset from the loaded settings.
func textSettings(settings config.Settings, opts serveOptions) (string, string, string) {
	port := opts.port
	if port == "" {
		port = fmt.Sprint(settings.Port)
	}
	live := opts.liveBufferSize
	if live == "" {
		live = fmt.Sprint(settings.LiveBufferSize)
	}
	calib := opts.calibrationBufferSize
	if calib == "" {
		calib = fmt.Sprint(settings.CalibrationBufferSize)
	}
	return port, live, calib
}

func newReferenceCache(ctx context.Context, settings config.Settings, log logger.Logger) (refcache.Cache, func(), error) {
	if settings.CacheBackend != config.CacheRedis {
		return refcache.NewMemoryCache(time.Minute), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddress,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", settings.RedisAddress, err)
	}

	log.Info("using redis reference cache", logger.Field{Key: "addr", Value: settings.RedisAddress})
	return refcache.NewRedisCache(client, settings.RedisKeyPrefix), func() { _ = client.Close() }, nil
}
