package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/groupcall/internal/adapters/coordination"
	"github.com/dkeye/groupcall/internal/adapters/cues"
	router "github.com/dkeye/groupcall/internal/adapters/http"
	"github.com/dkeye/groupcall/internal/adapters/rtc"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/app/orch"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/domain"
	"github.com/dkeye/groupcall/internal/speaking"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "voicecall",
		Short:         "Group voice call client with a local control API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (default config/config.<CONFIG_ENV>.yaml)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("voicecall failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.SelfUserID == "" {
		log.Warn().Msg("self_user_id not set: mute requests will be refused")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := coordination.Dial(dialCtx, cfg.CoordinatorURL, cfg.Token)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}

	transports, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers))
	if err != nil {
		client.Close()
		return err
	}

	capture := &rtc.SilenceCapturer{Devices: cfg.InputDevices}
	o := orch.New(orch.Deps{
		Registry:    app.NewRegistry(),
		Coordinator: client,
		Transports:  transports,
		Capture:     capture,
		Sink:        &cues.Sink{},
		Cues:        cues.NewPlayer(),
	}, orchConfig(cfg))
	capture.OnLevel = o.ObserveLocalLevel

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.SetupRouter(cfg, o, router.NewRateLimiter(nil, cfg.JoinRateLimit, cfg.JoinRateWindow)),
	}

	// The group outlives ctx so the call can be left over a live connection.
	base, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(base)

	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return o.Run(gctx, client.Updates()) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
		case <-gctx.Done():
		}

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if err := o.HangUp(leaveCtx, orch.HangUpOptions{}); err != nil && !errors.Is(err, orch.ErrNoActiveCall) {
			log.Warn().Err(err).Msg("hang up on shutdown failed")
		}
		if err := srv.Shutdown(leaveCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		stop()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, coordination.ErrClosed) {
		return err
	}
	log.Info().Msg("Exited gracefully")
	return nil
}

func orchConfig(cfg *config.Config) orch.Config {
	oc := orch.DefaultConfig()
	oc.SelfUserID = domain.UserID(cfg.SelfUserID)
	if cfg.RenegotiateInterval > 0 {
		oc.RenegotiateInterval = cfg.RenegotiateInterval
	}
	if cfg.RingbackDelay > 0 {
		oc.RingbackDelay = cfg.RingbackDelay
	}
	if cfg.AnalysisInterval > 0 {
		oc.AnalysisInterval = cfg.AnalysisInterval
	}
	if cfg.ParticipantsLimit > 0 {
		oc.ParticipantsLimit = cfg.ParticipantsLimit
	}
	sc := speaking.DefaultConfig()
	if cfg.SpeakingThreshold > 0 {
		sc.Threshold = cfg.SpeakingThreshold
	}
	if cfg.SpeakingAttack > 0 {
		sc.Attack = cfg.SpeakingAttack
	}
	if cfg.SpeakingRelease > 0 {
		sc.Release = cfg.SpeakingRelease
	}
	oc.Speaking = sc
	return oc
}
