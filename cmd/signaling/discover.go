package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/mossy-p/lancast/internal/presence"
	"github.com/spf13/cobra"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "list devices advertising on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if discoverTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, discoverTimeout)
			defer cancel()
		}

		log := logging.New(cfg.LogLevel, cfg.LogFormat)
		caps := platform.Detect(cfg.Capabilities)
		device := platform.LocalDevice(cfg)

		d := presence.NewDiscoverer(presence.DiscovererConfig{
			Capabilities: caps,
			SelfID:       device.ID,
			Logger:       log,
		})
		events, err := d.Discover(ctx, cfg.ServiceType)
		if err != nil {
			return err
		}
		for ev := range events {
			if ev.Kind == presence.Started {
				fmt.Println("Searching for devices...")
				continue
			}
			p := ev.Peer
			fmt.Printf("%-7s %-24s %s:%d type=%s sharing=%t id=%s\n",
				ev.Kind, p.Name, p.PreferredAddress(), p.Port, p.DeviceType, p.IsSharing, p.ID)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 0, "stop after this long (0 runs until interrupted)")
}
