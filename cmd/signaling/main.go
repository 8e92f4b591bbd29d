package main

import (
	"fmt"
	"os"

	"github.com/mossy-p/lancast/config"
	"github.com/spf13/cobra"
)

var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:   "lancast",
	Short: "LAN screen sharing signaling node",
	Long: `lancast hosts or joins screen-sharing sessions on the local network.
It runs the signaling router, advertises itself over mDNS and
negotiates a peer connection with one remote device at a time.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVar(&cfg.SignalingPort, "port", cfg.SignalingPort, "raw signaling port; WebSocket listens on port+1")
	flags.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "device name shown to other peers")
	flags.StringVar(&cfg.ServiceType, "service", cfg.ServiceType, "mDNS service type")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text or json)")
	flags.BoolVar(&cfg.ICE.ForceRelay, "force-relay", cfg.ICE.ForceRelay, "only use TURN relay candidates")
	flags.StringVar(&cfg.Quality, "quality", cfg.Quality, "quality profile (low, medium, high)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(viewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
