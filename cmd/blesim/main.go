// Command blesim runs a fleet of simulated devices that discover each other
// over an in-memory radio and keep their record sets in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/juanpablocruz/blesync/pkg/config"
)

var (
	v       = viper.New()
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "blesim",
	Short: "Simulate devices syncing records over a lossy low-MTU radio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		log, err := cfg.Log.Logger()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "load configuration from file")

	f.Int("devices", 3, "number of simulated devices")
	f.Int("records", 10, "records seeded on every device")
	f.Duration("publish-every", 0, "publish a record on a random device this often (0 = never)")
	f.Bool("tui", false, "show the live dashboard")

	f.String("store", "memory", "record store backend: memory | sqlite")
	f.String("data-dir", "", "directory for sqlite databases")
	f.Bool("reset", false, "clear every device's event index on start")

	f.Int("mtu", 512, "ATT MTU requested after connecting")
	f.Int("chunk-size", 500, "max frame data bytes")
	f.Duration("scan-every", 0, "discovery period")
	f.Duration("cooldown", 0, "per-peer connection cooldown")

	f.Float64("loss", 0, "probability [0..1) that a write or read request is lost")
	f.Duration("delay", 0, "base latency per request")
	f.Duration("jitter", 0, "latency jitter (+/-)")
	f.Bool("fail-mtu", false, "make every MTU request fail")

	f.Bool("relay", false, "use the local relay as the first device's record source")
	f.String("relay-url", "", "relay websocket url")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")
	f.String("log-level", "info", "log level")

	bind := map[string]string{
		"devices":          "devices",
		"records":          "records",
		"publish_every":    "publish-every",
		"tui":              "tui",
		"store.backend":    "store",
		"store.dir":        "data-dir",
		"store.reset":      "reset",
		"link.mtu":         "mtu",
		"link.chunk_size":  "chunk-size",
		"chaos.loss":       "loss",
		"chaos.base_delay": "delay",
		"chaos.jitter":     "jitter",
		"chaos.fail_mtu":   "fail-mtu",
		"relay.enabled":    "relay",
		"metrics.addr":     "metrics-addr",
		"log.level":        "log-level",
		"relay.url":        "relay-url",
		"sync.scan_every":  "scan-every",
		"sync.cooldown":    "cooldown",
	}
	// Flags left unset fall through to the environment, the file and the
	// defaults registered by config.Load.
	for key, flag := range bind {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
