package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/config"
	"terrainstream/internal/logging"
	"terrainstream/internal/server"
)

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("TERRAIN_CONFIG"), "path to terrain stream configuration file (yaml or json)")
	flag.Parse()

	wrote, err := writePushedConfig(cfgPath)
	if err != nil {
		logrus.Fatalf("sync pushed config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logrus.Fatalf("initialise logging: %v", err)
	}
	defer logger.Close()
	log := logger.Component("main")
	if wrote {
		log.WithField("path", cfgPath).Info("wrote configuration pushed through the environment")
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("initialise terrain stream server")
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	log.WithFields(logrus.Fields{
		"id":             cfg.Server.ID,
		"renderDistance": cfg.Stream.RenderDistance,
		"seed":           cfg.Terrain.Seed,
		"noise":          cfg.Terrain.Noise,
	}).Info("terrain stream starting")

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("terrain stream stopped")
}

func signalContext(log *logrus.Entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			log.WithField("signal", sig.String()).Info("shutdown requested")
			cancel()
		case <-ctx.Done():
			return
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(30*time.Second, func() {
			log.Error("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
