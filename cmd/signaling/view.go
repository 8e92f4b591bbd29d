package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/mossy-p/lancast/internal/router"
	"github.com/mossy-p/lancast/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	viewHost  string
	viewPeer  string
	viewToken string
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "join a host and receive its screen",
	Long: `view connects to a host's signaling router and negotiates a session.
Without --host the first sharing device found over mDNS is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return view(ctx)
	},
}

func init() {
	viewCmd.Flags().StringVar(&viewHost, "host", "", "host address; --port is its signaling port")
	viewCmd.Flags().StringVar(&viewPeer, "peer", "", "host peer id, required with --host")
	viewCmd.Flags().StringVar(&viewToken, "token", "", "pairing token issued by the host's /api/pair")
}

// logRenderer stands in for a presentation layer.
type logRenderer struct{ log logrus.FieldLogger }

func (r logRenderer) Attach(t session.Track) {
	r.log.WithFields(logrus.Fields{"track": t.ID(), "kind": t.Kind()}).Info("Receiving remote track")
}

func (r logRenderer) Detach() { r.log.Info("Remote track detached") }

func view(ctx context.Context) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	caps := platform.Detect(cfg.Capabilities)
	device := platform.LocalDevice(cfg)

	host, port, peer := viewHost, cfg.SignalingPort, models.PeerID(viewPeer)
	if host == "" {
		found, err := findSharingHost(ctx, caps, device.ID, log)
		if err != nil {
			return err
		}
		host, port, peer = found.PreferredAddress(), found.Port, found.ID
	} else if peer == "" {
		return errors.New("--peer is required with --host")
	}

	token := viewToken
	if issuer := auth.NewIssuer(cfg.PairingSecret); token == "" && issuer.Enabled() {
		t, err := issuer.Issue(string(device.ID), device.Name, time.Hour)
		if err != nil {
			return err
		}
		token = t
	}

	rt := router.New(router.Options{
		Device:       device,
		Capabilities: caps,
		JoinToken:    token,
		Logger:       log,
	})
	if err := rt.ConnectToServer(ctx, host, port); err != nil {
		return err
	}
	defer rt.Stop()

	engine, err := media.NewEngine(media.Options{Logger: log})
	if err != nil {
		return err
	}
	coord := session.New(session.Options{
		Engine:       engine,
		Signaler:     rt,
		Capabilities: caps,
		ICE:          cfg.ICE,
		Renderer:     logRenderer{log: log},
		Metrics:      metrics.Options{Interval: cfg.MetricsInterval, Logger: log},
		Logger:       log,
	})
	go coord.Run(ctx, rt.Incoming())
	defer coord.Stop()

	if err := coord.ConnectToHost(ctx, peer); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-coord.States():
			log.WithFields(logrus.Fields{"from": change.From, "to": change.To}).Info("Session state changed")
			switch change.To {
			case session.StateError:
				if hint := apperr.HintOf(change.Err); hint != "" {
					log.WithField("hint", hint).Error("Session failed")
				}
				return change.Err
			case session.StateDisconnected:
				return nil
			}
		case snap := <-coord.Metrics():
			logMetrics(log, snap)
		}
	}
}

func findSharingHost(ctx context.Context, caps platform.Capabilities, self models.PeerID, log logrus.FieldLogger) (models.DiscoveredPeer, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	d := presence.NewDiscoverer(presence.DiscovererConfig{Capabilities: caps, SelfID: self, Logger: log})
	events, err := d.Discover(ctx, cfg.ServiceType)
	if err != nil {
		return models.DiscoveredPeer{}, err
	}
	for ev := range events {
		if (ev.Kind == presence.Found || ev.Kind == presence.Updated) && ev.Peer.IsSharing {
			return ev.Peer, nil
		}
	}
	return models.DiscoveredPeer{}, fmt.Errorf("no sharing device found on %s", cfg.ServiceType)
}
