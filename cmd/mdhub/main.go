package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/adapter"
	"github.com/cuemby/mdhub/pkg/api"
	"github.com/cuemby/mdhub/pkg/core"
	"github.com/cuemby/mdhub/pkg/failover"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/publisher"
	"github.com/cuemby/mdhub/pkg/recovery"
	"github.com/cuemby/mdhub/pkg/supervisor"
	"github.com/cuemby/mdhub/pkg/tradinghours"
	"github.com/cuemby/mdhub/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mdhub",
	Short: "mdhub - high-availability market-data aggregation hub",
	Long: `mdhub connects to multiple broker gateways, monitors their health,
fails subscriptions over to a healthy backup on degradation, and
republishes normalized tick data on a low-latency fan-out bus.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mdhub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the market-data hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHub()
	},
}

// runHub wires every component per pkg/core.New, starts the ops HTTP
// surface and the push-hub websocket listener, and blocks until
// SIGINT/SIGTERM.
func runHub() error {
	logger := log.WithComponent("main")

	if !envBool("ENABLE_GATEWAY", true) {
		logger.Info().Msg("ENABLE_GATEWAY=false, exiting without starting")
		return nil
	}

	cfg := core.Config{
		Supervisor: supervisorConfigFromEnv(),
		Health:     healthConfigFromEnv(),
		Failover:   failoverConfigFromEnv(),
		Recovery:   recoveryConfigFromEnv(),

		EnablePublisher: envBool("ENABLE_ZMQ_PUBLISHER", true),
		PublisherMode:   publisher.Mode(envString("ZMQ_PERFORMANCE_MODE", string(publisher.ModeProduction))),
		PublisherAddr:   envString("ZMQ_BIND_ADDRESS", "0.0.0.0") + ":" + envString("ZMQ_PUBLISHER_PORT", "5556"),

		EnablePushHub: true,
	}

	store := accounts.NewMemoryStore(nil)
	factory := &adapter.MockFactory{TickInterval: 0}
	hours := tradingHoursFromEnv()

	c := core.New(cfg, store, factory, hours, nil)

	var pubSource metrics.PublisherSource
	if c.Publisher != nil {
		pubSource = c.Publisher
	}
	collector := metrics.NewCollector(c.Supervisor, c.Health, pubSource)
	collector.Start()
	defer collector.Stop()

	healthSrv := api.NewHealthServer(map[string]api.ReadinessCheck{
		"supervisor": func() (bool, string) {
			if c.Started() {
				return true, ""
			}
			return false, "supervisor not started"
		},
	})

	opsAddr := envString("OPS_LISTEN_ADDRESS", ":9090")
	go func() {
		if err := healthSrv.Start(opsAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops HTTP server stopped")
		}
	}()

	var pushSrv *http.Server
	if c.PushHub != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", c.PushHub)
		pushSrv = &http.Server{Addr: envString("PUSH_HUB_LISTEN_ADDRESS", ":8765"), Handler: mux}
		go func() {
			if err := pushSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("push hub HTTP server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	logger.Info().Msg("mdhub started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	c.Stop()
	if pushSrv != nil {
		_ = pushSrv.Close()
	}
	return nil
}

// --- environment configuration (§6.4) ---

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func supervisorConfigFromEnv() supervisor.Config {
	return supervisor.Config{
		EnableTradingTimeCheck: envBool("ENABLE_TRADING_TIME_CHECK", false),
		ForceGatewayConnection: envBool("FORCE_GATEWAY_CONNECTION", true),
		MockMode:               true,
		Canary:                 canaryForFromEnv(),
	}
}

func canaryForFromEnv() supervisor.CanaryFor {
	futures := canarySet(envList("FUTURES_CANARY_CONTRACTS"), envString("FUTURES_CANARY_PRIMARY", ""))
	stockOptions := canarySet(envList("STOCK_OPTIONS_CANARY_CONTRACTS"), envString("STOCK_OPTIONS_CANARY_PRIMARY", ""))
	if len(futures) == 0 {
		futures = []string{"IF2509.CFFEX", "IC2509.CFFEX"}
	}
	if len(stockOptions) == 0 {
		stockOptions = []string{"510050.SSE", "510300.SSE"}
	}

	return func(protocol types.Protocol) []string {
		switch protocol {
		case types.ProtocolFutures:
			return futures
		case types.ProtocolStockOptions:
			return stockOptions
		default:
			return nil
		}
	}
}

// canarySet puts primary first followed by the rest of contracts,
// matching §4.2's "designated primary" ordering contract. A primary
// that is not in contracts is still placed first.
func canarySet(contracts []string, primary string) []string {
	if primary == "" || len(contracts) == 0 {
		return contracts
	}
	out := make([]string, 0, len(contracts))
	out = append(out, primary)
	for _, c := range contracts {
		if c != primary {
			out = append(out, c)
		}
	}
	return out
}

func healthConfigFromEnv() health.Config {
	cfg := health.DefaultConfig()
	cfg.CheckInterval = envSeconds("HEALTH_CHECK_INTERVAL_SECONDS", cfg.CheckInterval)
	cfg.HeartbeatTimeout = envSeconds("CANARY_HEARTBEAT_TIMEOUT_SECONDS", cfg.HeartbeatTimeout)
	if envString("HEALTH_CHECK_FALLBACK_MODE", "") == "SKIP_CANARY" {
		cfg.FallbackMode = health.FallbackSkipCanary
	}

	canaryFor := canaryForFromEnv()
	cfg.CanaryContracts = map[types.Protocol][]string{
		types.ProtocolFutures:      canaryFor(types.ProtocolFutures),
		types.ProtocolStockOptions: canaryFor(types.ProtocolStockOptions),
	}
	return cfg
}

func failoverConfigFromEnv() failover.Config {
	cfg := failover.DefaultConfig()
	cfg.Enabled = envBool("FAILOVER_ENABLED", cfg.Enabled)
	cfg.Cooldown = envSeconds("FAILOVER_COOLDOWN_SECONDS", cfg.Cooldown)
	return cfg
}

func recoveryConfigFromEnv() recovery.Config {
	cfg := recovery.DefaultConfig()
	cfg.Enabled = envBool("RECOVERY_SERVICE_ENABLED", cfg.Enabled)
	cfg.Cooldown = envSeconds("RECOVERY_COOLDOWN_SECONDS", cfg.Cooldown)
	cfg.RecoveryTimeout = envSeconds("RECOVERY_TIMEOUT_SECONDS", cfg.RecoveryTimeout)
	cfg.MaxAttempts = envInt("RECOVERY_MAX_RETRY_ATTEMPTS", cfg.MaxAttempts)
	cfg.ExponentialBackoff = envBool("RECOVERY_EXPONENTIAL_BACKOFF", cfg.ExponentialBackoff)
	cfg.BackoffFactor = envFloat("RECOVERY_EXPONENTIAL_BACKOFF_FACTOR", cfg.BackoffFactor)
	return cfg
}

func tradingHoursFromEnv() tradinghours.Port {
	if envBool("FORCE_GATEWAY_CONNECTION", true) || !envBool("ENABLE_TRADING_TIME_CHECK", false) {
		return tradinghours.AlwaysOpen{}
	}
	return tradinghours.Windowed{
		Sessions: map[string][]tradinghours.Window{
			string(types.ProtocolFutures):      parseWindows(envString("FUTURES_TRADING_HOURS", "")),
			string(types.ProtocolStockOptions): parseWindows(envString("STOCK_OPTIONS_TRADING_HOURS", "")),
		},
	}
}

// parseWindows reads a comma-separated list of "HH:MM-HH:MM" sessions.
// A malformed or empty entry is skipped rather than aborting startup.
func parseWindows(spec string) []tradinghours.Window {
	var out []tradinghours.Window
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err1 := parseClock(bounds[0])
		end, err2 := parseClock(bounds[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, tradinghours.Window{Start: start, End: end, Name: part})
	}
	return out
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
