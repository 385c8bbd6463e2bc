// Sensor Monitor
// Main entry point for the sweep scheduler and message relay
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/sensor-monitor/internal/config"
	"github.com/agsys/sensor-monitor/internal/engine"
	"github.com/agsys/sensor-monitor/internal/health"
	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/notify"
	"github.com/agsys/sensor-monitor/internal/relay"
	"github.com/agsys/sensor-monitor/internal/storage"
)

var (
	configFile string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "sensor-monitor",
		Short: "Sensor Monitor",
		Long:  "Collects readings from the time-series store, tracks device state and raises threshold alerts.",
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run a single sweep over every enabled device",
		RunE:  runSweep,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run sweeps periodically until interrupted",
		RunE:  runService,
	}

	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Relay MQTT messages to WebSocket and ZeroMQ subscribers",
		RunE:  runRelay,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Sensor Monitor v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/sensor-monitor/config.yaml", "Configuration file path")
	sweepCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the sweep report as JSON")
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

// newDispatcher wires the configured transports. An unconfigured transport
// stays nil so its channels are skipped.
func newDispatcher(cfg *config.Config, db *storage.DB, log logger.Logger) (*notify.Dispatcher, error) {
	var email notify.EmailSender
	if sc, ok := cfg.SMTPConfig(); ok {
		s, err := notify.NewSMTPSender(sc)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP sender: %w", err)
		}
		email = s
	}

	var sms notify.SMSSender
	if gc, ok := cfg.SMSConfig(); ok {
		g, err := notify.NewSMSGateway(gc)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMS gateway: %w", err)
		}
		sms = g
	}

	return notify.NewDispatcher(db, email, sms, cfg.Site.Name, log), nil
}

func newEngine(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...engine.Option) (*engine.Engine, *storage.DB, error) {
	db, clk, err := storage.OpenSite(ctx, cfg.Database.Path, cfg.Site.Timezone)
	if err != nil {
		return nil, nil, err
	}

	dispatcher, err := newDispatcher(cfg, db, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Series = cfg.SeriesConfig()
	engineCfg.DefaultLookback = cfg.DefaultLookback()
	engineCfg.Interval = cfg.SweepInterval()

	return engine.New(engineCfg, db, clk, dispatcher, log, opts...), db, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, db, err := newEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := eng.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Run %s: %d devices, %d readings, %d alerts started, %d finished\n",
		report.RunID, report.Devices, report.Readings, report.Starts, report.Finishes)
	for _, f := range report.Failed {
		fmt.Printf("  %s: %s\n", f.Device, f.Error)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d devices failed", len(report.Failed))
	}
	return nil
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts []engine.Option
	if cfg.Health.Addr != "" {
		hs := health.New(cfg.Health.Addr, log)
		if err := hs.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
		opts = append(opts, engine.WithStatus(hs))
	}

	eng, db, err := newEngine(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Str("site", cfg.Site.Name).Msg("Starting Sensor Monitor")
	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	var rl *relay.Relay
	hub := relay.NewHub(func() []relay.Message { return rl.History() }, log)
	buses := []relay.Bus{hub}

	if cfg.Relay.ZMQEndpoint != "" {
		zb, err := relay.ListenZMQ(cfg.Relay.ZMQEndpoint)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.ZMQEndpoint, err)
		}
		buses = append(buses, zb)
		log.Info().Str("endpoint", cfg.Relay.ZMQEndpoint).Msg("ZeroMQ publisher listening")
	}

	rl = relay.New(cfg.RelayConfig(), log, buses...)
	defer rl.Close()

	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.WSPath, hub)
	srv := &http.Server{Addr: cfg.Relay.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("WebSocket server failed")
			cancel()
		}
	}()

	sub := relay.NewSubscriber(cfg.MQTTConfig(), rl.Handle, log)
	if err := sub.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer sub.Close()

	log.Info().Str("listen", cfg.Relay.ListenAddr).Str("path", cfg.Relay.WSPath).Msg("Relay started")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error during shutdown")
			}
			done()
			log.Info().Msg("Shutdown complete")
			return nil
		case <-ticker.C:
			rl.Evict()
		}
	}
}
