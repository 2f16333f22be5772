package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoiceRoom/internal/adapters/http"
	mediasrc "github.com/dkeye/VoiceRoom/internal/adapters/media"
	"github.com/dkeye/VoiceRoom/internal/adapters/rtc"
	signaling "github.com/dkeye/VoiceRoom/internal/adapters/signal"
	"github.com/dkeye/VoiceRoom/internal/app"
	"github.com/dkeye/VoiceRoom/internal/app/media"
	"github.com/dkeye/VoiceRoom/internal/app/session"
	"github.com/dkeye/VoiceRoom/internal/app/sink"
	"github.com/dkeye/VoiceRoom/internal/app/speaking"
	"github.com/dkeye/VoiceRoom/internal/config"
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	user, err := cfg.LocalUser()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid local user")
	}

	factory, err := rtc.NewFactory(cfg.WebRTC())
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	var source media.Source = mediasrc.NoDevice{}
	if cfg.Media.Source == "ogg" && cfg.Media.File != "" {
		source = mediasrc.NewOggSource(cfg.Media.File, cfg.Media.Loop)
	}

	sinks := sink.Factory(mediasrc.DiscardFactory)
	if cfg.RecordDir != "" {
		if sinks, err = mediasrc.RecorderFactory(cfg.RecordDir); err != nil {
			log.Fatal().Err(err).Msg("recorder setup")
		}
	}

	ctrl := session.New(session.Deps{
		Dial: func() core.SignalingClient {
			return signaling.NewClient(cfg.SignalURL, signaling.Options{
				SendQueue:  cfg.Signal.SendQueue,
				ReadLimit:  cfg.Signal.ReadLimit,
				PingPeriod: cfg.Signal.PingPeriod,
			})
		},
		Connections: factory.New,
		Media:       media.NewManager(source, cfg.Media.CaptureTimeout),
		Sinks:       sinks,
		Policy:      app.RolePolicy{},
	}, session.Config{
		GlareRetry:        cfg.Negotiation.GlareRetry,
		SpeculativeWindow: cfg.Session.SpeculativeWindow,
		Speaking: speaking.Config{
			Interval:  cfg.Speaking.Interval,
			Threshold: cfg.Speaking.Threshold,
		},
		ChatCapacity: cfg.Session.ChatCapacity,
		RateLimit:    cfg.Session.ChatLimit,
		RateInterval: cfg.Session.ChatInterval,
	})

	r := router.SetupRouter(ctx, router.Options{
		Mode:   cfg.Mode,
		Secret: cfg.HTTP.Secret,
		User:   user,
		RoomID: domain.RoomID(cfg.RoomID),
	}, ctrl)
	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	if cfg.RoomID != "" {
		if err := ctrl.Join(ctx, domain.RoomID(cfg.RoomID), user); err != nil {
			log.Error().Err(err).Str("room_id", cfg.RoomID).Msg("join failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	ctrl.Leave()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}
