package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "realtime-transcription-service/internal/api/grpc"
	"realtime-transcription-service/internal/app"
	"realtime-transcription-service/internal/config"
	httpapi "realtime-transcription-service/internal/http"
	"realtime-transcription-service/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadWithFile()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	application := app.New(cfg)
	logger := application.Logger

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = application.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	obs := observability.NewServer(cfg.Observability.MetricsAddr, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return application.Ready(ctx)
	})
	obs.Start()

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen for gRPC")
	}
	health := grpcapi.New(logger)
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC serve failed")
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Realtime transcription service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()
	health.SetServing(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("Shutting down")

	health.SetServing(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new sessions first, then close the live ones.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	application.Shutdown(shutdownCtx)
	health.Stop(shutdownCtx)
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Observability server shutdown incomplete")
	}
}
