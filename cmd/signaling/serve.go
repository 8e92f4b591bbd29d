package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/auth"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/media"
	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/mossy-p/lancast/internal/presence"
	"github.com/mossy-p/lancast/internal/redis"
	"github.com/mossy-p/lancast/internal/router"
	"github.com/mossy-p/lancast/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "host a screen-sharing session",
	Long: `serve starts the signaling router on --port and --port+1, advertises
the device over mDNS and offers the local screen to the first viewer
that joins.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	caps := platform.Detect(cfg.Capabilities)
	device := platform.LocalDevice(cfg)
	log.WithFields(logrus.Fields{
		"id":   device.ID,
		"name": device.Name,
		"caps": caps,
	}).Info("Starting host")

	quality, err := models.ProfileByName(cfg.Quality)
	if err != nil {
		return err
	}

	var mirror router.RosterMirror
	if cfg.Redis.Enabled {
		m, err := redis.Connect(ctx, cfg.Redis, device.ID)
		if err != nil {
			return err
		}
		defer m.Close()
		defer m.Clear(context.Background())
		mirror = m
		log.Info("Redis roster mirror enabled")
	}

	rt := router.New(router.Options{
		Device:         device,
		Capabilities:   caps,
		Issuer:         auth.NewIssuer(cfg.PairingSecret),
		Mirror:         mirror,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.Environment == "production",
		Logger:         log,
	})
	if err := rt.StartServer(ctx, cfg.SignalingPort); err != nil {
		return err
	}
	defer rt.Stop()

	engine, err := media.NewEngine(media.Options{Capture: media.IdleCapture, Logger: log})
	if err != nil {
		return err
	}

	coord := session.New(session.Options{
		Engine:       engine,
		Signaler:     rt,
		Capabilities: caps,
		ICE:          cfg.ICE,
		Quality:      quality,
		Metrics:      metrics.Options{Interval: cfg.MetricsInterval, Logger: log},
		Logger:       log,
	})
	go coord.Run(ctx, rt.Incoming())
	defer coord.Stop()

	if err := coord.StartAsHost(ctx); err != nil {
		if hint := apperr.HintOf(err); hint != "" {
			log.WithField("hint", hint).Error("Cannot host")
		}
		return err
	}

	adv := presence.NewAdvertiser(presence.AdvertiserConfig{Capabilities: caps, Logger: log})
	attrs := presence.Attributes{DeviceID: device.ID, DeviceType: device.Type, IsSharing: true}
	if err := adv.Advertise(device.Name, cfg.ServiceType, cfg.SignalingPort, attrs); err != nil {
		log.WithError(err).Warn("Presence disabled, viewers must connect by address")
	}
	defer adv.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			return nil
		case change := <-coord.States():
			entry := log.WithFields(logrus.Fields{"from": change.From, "to": change.To})
			if change.Err != nil {
				entry = entry.WithError(change.Err).WithField("hint", apperr.HintOf(change.Err))
			}
			entry.Info("Session state changed")

			attrs.IsSharing = change.To == session.StateReady || change.To == session.StateConnected ||
				change.To == session.StateReconnecting
			if err := adv.Update(attrs); err != nil && !errors.Is(err, presence.ErrNotStarted) {
				log.WithError(err).Warn("Presence update failed")
			}
			if change.To == session.StateError {
				// A failed negotiation leaves capture held; start over for the next viewer.
				coord.Stop()
				restartCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := coord.StartAsHost(restartCtx)
				cancel()
				if err != nil {
					return err
				}
			}
		case snap := <-coord.Metrics():
			logMetrics(log, snap)
		}
	}
}

func logMetrics(log logrus.FieldLogger, snap metrics.Snapshot) {
	log.WithFields(logrus.Fields{
		"rtt_ms":    snap.RTTMillis,
		"jitter_ms": snap.JitterMillis,
		"loss":      snap.PacketLossRatio,
		"kbps":      snap.BitrateKbps,
		"fps":       snap.FramesPerSecond,
	}).Debug("Session metrics")
}
